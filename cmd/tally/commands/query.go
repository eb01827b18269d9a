package commands

import (
	"encoding/json"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/FranksOps/tally/internal/storage"
)

func newQueryCmd() *cobra.Command {
	var (
		from   string
		filter storage.Filter
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "query --from TARGET [--listing ID] [--category C] [--limit N]",
		Short: "Prints stored records.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			b, err := storage.Open(cmd.Context(), from)
			if err != nil {
				return err
			}
			defer b.Close()

			recs, err := b.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			logger.Debug("query finished", "from", from, "records", len(recs))

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"#", "Listing", "Name", "Category", "Rating", "Ratings", "Would Take Again", "Difficulty"})
			for _, r := range recs {
				t.AppendRow(table.Row{r.Index, r.ListingID, r.Name, r.Category, r.Rating, r.NumRatings, r.WouldTakeAgainPct, r.Difficulty})
			}
			t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d records", len(recs))})
			t.SetStyle(table.StyleRounded)
			t.Render()
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&from, "from", "", "Target to read: file.json, file.csv, sqlite://path or postgres://dsn.")
	f.StringVar(&filter.ListingID, "listing", "", "Only records of this listing.")
	f.StringVar(&filter.Category, "category", "", "Only records in this category (department).")
	f.StringVar(&filter.School, "school", "", "Only records from this school (not stored in csv targets).")
	f.IntVar(&filter.Limit, "limit", 0, "Maximum records to print (0 for all).")
	f.IntVar(&filter.Offset, "offset", 0, "Records to skip.")
	f.BoolVar(&asJSON, "json", false, "Print JSON instead of a table.")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}
