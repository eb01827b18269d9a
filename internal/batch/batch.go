// Package batch scrapes several listings concurrently and writes each run's
// records to its output target.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/tally/internal/listing"
	"github.com/FranksOps/tally/internal/storage"
)

// Scraper runs one listing. *listing.Scraper satisfies it.
type Scraper interface {
	Run(ctx context.Context, listingID string) (*listing.Result, error)
}

// Config configures a Runner.
type Config struct {
	// Concurrency caps how many listings run at once. Default 1.
	Concurrency int
	// Out is the output target; {id} and {school} are substituted per run.
	Out    string
	Logger *slog.Logger
}

// Outcome is one listing's run and what happened to its output.
type Outcome struct {
	Result *listing.Result
	// Target is the resolved output target, empty when nothing was written.
	Target  string
	Written bool
	// WriteErr is set when a writable result failed to store.
	WriteErr error
}

// Runner scrapes listings and stores their results.
type Runner struct {
	scraper Scraper
	cfg     Config
	logger  *slog.Logger

	// writes are serialized so file and SQLite targets shared between
	// listings see one writer at a time.
	writeMu sync.Mutex
}

// New creates a Runner.
func New(s Scraper, cfg Config) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{scraper: s, cfg: cfg, logger: cfg.Logger}
}

// Check rejects a configuration where several listings would overwrite the
// same output file.
func Check(out string, ids []string) error {
	if len(ids) < 2 || strings.Contains(out, "{id}") || strings.Contains(out, "{school}") {
		return nil
	}
	kind, _, err := storage.ParseTarget(out)
	if err != nil {
		return err
	}
	if kind == "json" || kind == "csv" {
		return fmt.Errorf("batch: %d listings would overwrite %s; add {id} or {school} to the output path", len(ids), out)
	}
	return nil
}

// Run scrapes ids and returns one Outcome per id, in input order. Aborted
// runs are reported in their Outcome, not as an error; the returned error
// joins output failures.
func (r *Runner) Run(ctx context.Context, ids []string) ([]*Outcome, error) {
	if err := Check(r.cfg.Out, ids); err != nil {
		return nil, err
	}

	outcomes := make([]*Outcome, len(ids))
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)

	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = r.runOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, o := range outcomes {
		if o.WriteErr != nil {
			errs = append(errs, o.WriteErr)
		}
	}
	return outcomes, errors.Join(errs...)
}

func (r *Runner) runOne(ctx context.Context, id string) *Outcome {
	res, err := r.scraper.Run(ctx, id)
	out := &Outcome{Result: res}
	logger := r.logger.With("listing", id)

	if !res.Writable() {
		logger.Warn("nothing written", "status", res.Status, "reason", res.Reason, "err", err)
		return out
	}
	if err != nil {
		logger.Warn("run aborted, writing partial output", "reason", res.Reason, "records", len(res.Records), "err", err)
	}

	out.Target = Target(r.cfg.Out, res)
	// Partial output is still written after cancellation.
	if werr := r.write(context.WithoutCancel(ctx), out.Target, res); werr != nil {
		out.WriteErr = fmt.Errorf("batch: listing %s: %w", id, werr)
		logger.Error("writing output", "target", out.Target, "err", werr)
		return out
	}
	out.Written = true
	logger.Info("output written", "target", out.Target, "records", len(res.Records))
	return out
}

func (r *Runner) write(ctx context.Context, target string, res *listing.Result) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	b, err := storage.Open(ctx, target)
	if err != nil {
		return err
	}
	if err := b.Replace(ctx, res.Snapshot()); err != nil {
		_ = b.Close()
		return err
	}
	return b.Close()
}

// Target substitutes {id} and {school} in out. The school falls back to the
// listing ID when unknown.
func Target(out string, res *listing.Result) string {
	school := fileSafe(res.Identity)
	if school == "" {
		school = fileSafe(res.ListingID)
	}
	return strings.NewReplacer("{id}", fileSafe(res.ListingID), "{school}", school).Replace(out)
}

// fileSafe keeps letters, digits, '-', '_' and '.', replacing runs of
// anything else with a single '_'.
func fileSafe(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}
