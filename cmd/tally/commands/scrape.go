package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/FranksOps/tally/internal/batch"
	"github.com/FranksOps/tally/internal/config"
	"github.com/FranksOps/tally/internal/listing"
	"github.com/FranksOps/tally/internal/metrics"
	"github.com/FranksOps/tally/internal/report"
	"github.com/FranksOps/tally/internal/source"
)

func newScrapeCmd() *cobra.Command {
	var (
		ids          []string
		reportFormat string
	)

	cmd := &cobra.Command{
		Use:   "scrape --id <ID> [--id <ID>...] [--out PATH] [--transport http|browser|api]",
		Short: "Scrapes every record of one or more listings and writes them out.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd, ids, reportFormat)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&ids, "id", nil, "Listing ID to scrape (school ID). Repeat or comma-separate for several.")
	f.String("transport", "", "Transport: http, browser or api.")
	f.String("out", "", "Output target: file.json, file.csv, sqlite://path or postgres://dsn. {id} and {school} are substituted.")
	f.Int("metrics-port", 0, "Serve Prometheus metrics on this port (0 disables).")
	f.String("reload-timeout", "", "How long to keep reloading an erroring listing, in seconds or as a duration.")
	f.String("wait-timeout", "", "How long to wait for a load more to show new records, in seconds or as a duration.")
	f.Int("page-size", 0, "Records revealed per load more.")
	f.Int("concurrency", 0, "Listings scraped at once.")
	f.Bool("headless", true, "Run the browser headless.")
	f.Float64("rps", 0, "Requests per second across all listings (0 disables pacing).")
	f.StringVar(&reportFormat, "report", "text", "Run report format: text, json or html.")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func runScrape(cmd *cobra.Command, ids []string, reportFormat string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := report.CheckFormat(reportFormat); err != nil {
		return err
	}
	if err := batch.Check(cfg.Out, ids); err != nil {
		return err
	}

	var msrv *metrics.Server
	if cfg.MetricsPort > 0 {
		msrv, err = metrics.Start(cfg.MetricsPort, logger)
		if err != nil {
			return err
		}
	}
	defer func() { _ = msrv.Stop(context.Background()) }()

	src, err := source.New(cfg, source.Deps{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(src); err != nil {
			logger.Warn("closing source", "err", err)
		}
	}()

	runner := batch.New(listing.New(src, scrapeOptions(cfg, logger)), batch.Config{
		Concurrency: cfg.Batch.Concurrency,
		Out:         cfg.Out,
		Logger:      logger,
	})

	start := time.Now()
	outcomes, werr := runner.Run(cmd.Context(), ids)
	logger.Info("scrape finished", "listings", len(ids), "duration", time.Since(start))

	summary := report.Summarize(outcomes)
	if err := report.Write(cmd.OutOrStdout(), reportFormat, summary); err != nil {
		return err
	}

	switch {
	case werr != nil:
		return werr
	case summary.Unwritten > 0:
		return &exitError{code: ExitIncomplete, err: fmt.Errorf("%d of %d listings produced no output", summary.Unwritten, len(outcomes))}
	}
	return nil
}

func scrapeOptions(cfg *config.Config, logger *slog.Logger) listing.Options {
	return listing.Options{
		ReloadTimeout:     cfg.Scrape.ReloadTimeout,
		ReloadInterval:    explicit(cfg.Scrape.ReloadInterval),
		WaitTimeout:       cfg.Scrape.WaitTimeout,
		PageSize:          source.PageSize(cfg),
		LoadMoreRetries:   explicit(cfg.Scrape.LoadMoreRetries),
		RetryBackoff:      explicit(cfg.Scrape.RetryBackoff),
		AllowEmpty:        !cfg.Scrape.ExpectNonEmpty,
		MaxPlausibleCount: cfg.Scrape.MaxPlausibleCount,
		ExpectedIdentity:  cfg.Scrape.ExpectedIdentity,
		Logger:            logger,
	}
}

// explicit turns a configured zero into -1, which listing.Options reads as
// zero rather than as its default.
func explicit[T ~int | ~int64](v T) T {
	if v == 0 {
		return -1
	}
	return v
}
