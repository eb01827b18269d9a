package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/FranksOps/tally/internal/batch"
	"github.com/FranksOps/tally/internal/listing"
)

// ErrUnknownFormat is returned for a report format other than text, json or html.
var ErrUnknownFormat = errors.New("report: unknown format")

// Run summarizes one listing run.
type Run struct {
	RunID     string         `json:"run_id"`
	ListingID string         `json:"listing_id"`
	Identity  string         `json:"identity,omitempty"`
	Status    string         `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	Total     int            `json:"total"`
	Collected int            `json:"collected"`
	Skipped   map[string]int `json:"skipped,omitempty"`
	LoadMores int            `json:"load_mores"`
	Retries   int            `json:"retries"`
	Opens     int            `json:"opens"`
	Written   bool           `json:"written"`
	Target    string         `json:"target,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// Summary aggregates a batch of runs.
type Summary struct {
	Runs         []Run          `json:"runs"`
	TotalRuns    int            `json:"total_runs"`
	Complete     int            `json:"complete"`
	Aborted      int            `json:"aborted"`
	Empty        int            `json:"empty"`
	Unwritten    int            `json:"unwritten"`
	TotalRecords int            `json:"total_records"`
	ByReason     map[string]int `json:"by_reason"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	Duration     time.Duration  `json:"duration"`
}

// Summarize builds a Summary from batch outcomes. A run counts as written
// only when its output was actually stored. Runs are ordered by listing ID.
func Summarize(outcomes []*batch.Outcome) Summary {
	s := Summary{ByReason: make(map[string]int)}
	if len(outcomes) == 0 {
		return s
	}

	s.StartTime = outcomes[0].Result.StartedAt
	s.EndTime = outcomes[0].Result.FinishedAt

	for _, o := range outcomes {
		r := o.Result
		run := Run{
			RunID:     r.RunID,
			ListingID: r.ListingID,
			Identity:  r.Identity,
			Status:    string(r.Status),
			Reason:    string(r.Reason),
			Total:     r.Total,
			Collected: len(r.Records),
			LoadMores: r.LoadMores,
			Retries:   r.Retries,
			Opens:     r.Opens,
			Written:   o.Written,
			Target:    o.Target,
			Duration:  r.Duration(),
		}
		var msgs []string
		if r.Err != nil {
			msgs = append(msgs, r.Err.Error())
		}
		if o.WriteErr != nil {
			msgs = append(msgs, "write: "+o.WriteErr.Error())
		}
		run.Error = strings.Join(msgs, "; ")
		for k, v := range r.Skipped {
			if v == 0 {
				continue
			}
			if run.Skipped == nil {
				run.Skipped = make(map[string]int)
			}
			run.Skipped[k] = v
		}
		if !o.Written {
			s.Unwritten++
		}
		s.Runs = append(s.Runs, run)

		s.TotalRuns++
		s.TotalRecords += len(r.Records)
		switch r.Status {
		case listing.StatusComplete:
			s.Complete++
		case listing.StatusEmpty:
			s.Empty++
		case listing.StatusAborted:
			s.Aborted++
			s.ByReason[string(r.Reason)]++
		}

		if r.StartedAt.Before(s.StartTime) {
			s.StartTime = r.StartedAt
		}
		if r.FinishedAt.After(s.EndTime) {
			s.EndTime = r.FinishedAt
		}
	}

	sort.SliceStable(s.Runs, func(i, j int) bool { return s.Runs[i].ListingID < s.Runs[j].ListingID })
	s.Duration = s.EndTime.Sub(s.StartTime)
	return s
}

// WriteJSON writes the summary to the provided writer in JSON format.
func WriteJSON(w io.Writer, summary Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("report: encode json: %w", err)
	}
	return nil
}

// WriteText writes a table with one row per run followed by totals.
func WriteText(w io.Writer, summary Summary) error {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Listing", "Identity", "Status", "Reason", "Total", "Collected", "Skipped", "Load More", "Opens", "Written", "Duration"})
	for _, r := range summary.Runs {
		skipped := 0
		for _, v := range r.Skipped {
			skipped += v
		}
		t.AppendRow(table.Row{
			r.ListingID, r.Identity, r.Status, r.Reason, r.Total, r.Collected, skipped,
			r.LoadMores, r.Opens, r.Written, r.Duration.Round(time.Millisecond),
		})
	}
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d runs", summary.TotalRuns), "",
		fmt.Sprintf("%d complete, %d aborted, %d empty", summary.Complete, summary.Aborted, summary.Empty),
		"", "", summary.TotalRecords, "", "", "", fmt.Sprintf("%d unwritten", summary.Unwritten), summary.Duration.Round(time.Millisecond),
	})

	if _, err := fmt.Fprintln(w, t.Render()); err != nil {
		return fmt.Errorf("report: write text: %w", err)
	}
	return nil
}

var htmlReport = template.Must(template.New("htmlReport").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Tally Run Report</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
  .stat-card { display: inline-block; padding: 20px; margin: 10px 10px 10px 0; background: #f4f4f4; border-radius: 5px; min-width: 150px; }
  .stat-val { font-size: 24px; font-weight: bold; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; }
  th { background: #eaeaea; }
  .aborted { color: red; }
</style>
</head>
<body>
  <h1>Tally Run Report</h1>
  <p><strong>Time:</strong> {{.StartTime.Format "2006-01-02 15:04:05"}} to {{.EndTime.Format "2006-01-02 15:04:05"}} ({{.Duration}})</p>

  <div class="stat-card"><div>Runs</div><div class="stat-val">{{.TotalRuns}}</div></div>
  <div class="stat-card"><div>Complete</div><div class="stat-val">{{.Complete}}</div></div>
  <div class="stat-card"><div>Aborted</div><div class="stat-val" style="color: {{if gt .Aborted 0}}red{{else}}green{{end}};">{{.Aborted}}</div></div>
  <div class="stat-card"><div>Records</div><div class="stat-val">{{.TotalRecords}}</div></div>

  <h3>Runs</h3>
  <table>
    <tr><th>Listing</th><th>Identity</th><th>Status</th><th>Reason</th><th>Total</th><th>Collected</th><th>Load More</th><th>Opens</th><th>Written</th><th>Error</th></tr>
    {{- range .Runs}}
    <tr{{if or (eq .Status "aborted") (not .Written)}} class="aborted"{{end}}><td>{{.ListingID}}</td><td>{{.Identity}}</td><td>{{.Status}}</td><td>{{.Reason}}</td><td>{{.Total}}</td><td>{{.Collected}}</td><td>{{.LoadMores}}</td><td>{{.Opens}}</td><td>{{.Written}}</td><td>{{.Error}}</td></tr>
    {{- else}}
    <tr><td colspan="10">None</td></tr>
    {{- end}}
  </table>

  <h3>Aborts By Reason</h3>
  <table>
    <tr><th>Reason</th><th>Count</th></tr>
    {{- range $reason, $count := .ByReason}}
    <tr><td>{{$reason}}</td><td>{{$count}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>
</body>
</html>
`))

// WriteHTML writes a basic HTML report to the provided writer.
func WriteHTML(w io.Writer, summary Summary) error {
	if err := htmlReport.Execute(w, summary); err != nil {
		return fmt.Errorf("report: write html: %w", err)
	}
	return nil
}

// CheckFormat reports whether Write accepts format.
func CheckFormat(format string) error {
	switch format {
	case "", "text", "json", "html":
		return nil
	}
	return fmt.Errorf("%w %q (want text, json or html)", ErrUnknownFormat, format)
}

// Write dispatches on format: text, json or html.
func Write(w io.Writer, format string, summary Summary) error {
	switch format {
	case "", "text":
		return WriteText(w, summary)
	case "json":
		return WriteJSON(w, summary)
	case "html":
		return WriteHTML(w, summary)
	default:
		return CheckFormat(format)
	}
}
