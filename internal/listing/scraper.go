package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FranksOps/tally/internal/metrics"
	"github.com/FranksOps/tally/internal/storage"
)

// Options tune a Scraper. Zero values take the defaults noted per field.
type Options struct {
	// ReloadTimeout bounds the whole open/reload phase. Default 100s.
	ReloadTimeout time.Duration
	// ReloadInterval is the pause between reloads. Default 2s.
	ReloadInterval time.Duration
	// WaitTimeout bounds each load-more wait for growth. Default 10s.
	WaitTimeout time.Duration
	// PageSize is how many records one load-more reveals. Default 8.
	PageSize int
	// LoadMoreRetries is how often a stale trigger is repeated. Default 3;
	// negative disables retries.
	LoadMoreRetries int
	// RetryBackoff is the pause between stale trigger retries. Default 1s.
	RetryBackoff time.Duration
	// AllowEmpty accepts a zero count as a legitimately empty listing
	// instead of reloading.
	AllowEmpty bool
	// MaxPlausibleCount rejects absurd totals as transient. Default 1,000,000.
	MaxPlausibleCount int
	// ExpectedIdentity overrides the identity read from the session.
	ExpectedIdentity string
	Logger           *slog.Logger
}

func (o *Options) withDefaults() {
	if o.ReloadTimeout <= 0 {
		o.ReloadTimeout = 100 * time.Second
	}
	if o.ReloadInterval < 0 {
		o.ReloadInterval = 0
	} else if o.ReloadInterval == 0 {
		o.ReloadInterval = 2 * time.Second
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 10 * time.Second
	}
	if o.PageSize <= 0 {
		o.PageSize = 8
	}
	if o.LoadMoreRetries == 0 {
		o.LoadMoreRetries = 3
	} else if o.LoadMoreRetries < 0 {
		o.LoadMoreRetries = 0
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	} else if o.RetryBackoff == 0 {
		o.RetryBackoff = time.Second
	}
	if o.MaxPlausibleCount <= 0 {
		o.MaxPlausibleCount = 1_000_000
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Scraper runs the incremental scrape loop against a Source. A Scraper may
// run several listings concurrently; each Run owns its own session.
type Scraper struct {
	src    Source
	opts   Options
	logger *slog.Logger
}

// New creates a Scraper over src.
func New(src Source, opts Options) *Scraper {
	opts.withDefaults()
	return &Scraper{src: src, opts: opts, logger: opts.Logger}
}

// Run scrapes one listing. The returned Result is never nil; err is non-nil
// exactly when the run aborted, and wraps the sentinel behind Result.Reason.
func (s *Scraper) Run(ctx context.Context, listingID string) (*Result, error) {
	res := &Result{
		RunID:     uuid.NewString(),
		ListingID: listingID,
		Skipped:   map[string]int{},
		StartedAt: time.Now(),
	}
	logger := s.logger.With("listing", listingID, "run", res.RunID)

	defer func() {
		res.FinishedAt = time.Now()
		metrics.RecordRun(string(res.Status), string(res.Reason), res.Duration())
		logger.Info("run finished",
			"status", res.Status, "reason", res.Reason, "total", res.Total,
			"records", len(res.Records), "skipped", res.SkippedTotal(),
			"load_mores", res.LoadMores, "opens", res.Opens, "duration", res.Duration())
	}()

	sess, total, err := s.open(ctx, listingID, res, logger)
	if err != nil {
		return res, err
	}
	if sess == nil {
		res.Status = StatusEmpty
		res.opened = true
		return res, nil
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Warn("closing session", "err", cerr)
		}
	}()

	res.opened = true
	res.Total = total

	identity := s.opts.ExpectedIdentity
	if identity == "" {
		id, err := sess.Identity(ctx)
		if err != nil {
			logger.Warn("no listing identity, records will not be filtered", "err", err)
		}
		identity = strings.TrimSpace(id)
	}
	res.Identity = identity
	logger.Info("session opened", "total", total, "identity", identity, "opens", res.Opens)

	if err := s.walk(ctx, sess, res, logger); err != nil {
		return res, err
	}
	res.Status = StatusComplete
	return res, nil
}

// open opens a session and reads a usable count, reloading on transient
// provider errors until ReloadTimeout. A nil session with a nil error means
// the listing is legitimately empty.
func (s *Scraper) open(ctx context.Context, listingID string, res *Result, logger *slog.Logger) (Session, int, error) {
	openCtx, cancel := context.WithTimeout(ctx, s.opts.ReloadTimeout)
	defer cancel()

	var last error
	for {
		res.Opens++
		sess, total, err := s.tryOpen(openCtx, listingID)
		if err == nil {
			metrics.RecordOpen(listingID, "ok")
			if total == 0 {
				_ = sess.Close()
				return nil, 0, nil
			}
			return sess, total, nil
		}

		if aerr := s.openAborted(ctx, openCtx, res, err, last); aerr != nil {
			metrics.RecordOpen(listingID, "aborted")
			return nil, 0, aerr
		}
		last = err

		metrics.RecordOpen(listingID, "transient")
		logger.Warn("provider error state, reloading", "attempt", res.Opens, "err", err, "in", s.opts.ReloadInterval)

		if serr := sleep(openCtx, s.opts.ReloadInterval); serr != nil {
			if aerr := s.openAborted(ctx, openCtx, res, serr, last); aerr != nil {
				return nil, 0, aerr
			}
		}
	}
}

// openAborted decides whether an open-phase error ends the run, filling res
// when it does. A reload timeout reports the last provider error seen.
func (s *Scraper) openAborted(ctx, openCtx context.Context, res *Result, err, last error) error {
	switch {
	case ctx.Err() != nil:
		return s.abort(res, ReasonCanceled, ctx.Err())
	case openCtx.Err() != nil:
		if last != nil && !errors.Is(err, ErrTransientProvider) {
			err = last
		}
		return s.abort(res, ReasonTimeout,
			fmt.Errorf("%w: no usable listing after %d opens in %s: %w", ErrTimeout, res.Opens, s.opts.ReloadTimeout, err))
	case errors.Is(err, ErrTransientProvider):
		return nil
	default:
		return s.abort(res, ReasonError, err)
	}
}

func (s *Scraper) tryOpen(ctx context.Context, listingID string) (Session, int, error) {
	sess, err := s.src.Open(ctx, listingID)
	if err != nil {
		return nil, 0, err
	}

	total, err := sess.Count(ctx)
	switch {
	case err != nil:
	case total < 0:
		err = fmt.Errorf("%w: negative count %d", ErrTransientProvider, total)
	case total == 0 && !s.opts.AllowEmpty:
		err = fmt.Errorf("%w: zero results reported", ErrTransientProvider)
	case total > s.opts.MaxPlausibleCount:
		err = fmt.Errorf("%w: implausible count %d", ErrTransientProvider, total)
	}
	if err != nil {
		_ = sess.Close()
		return nil, 0, err
	}
	return sess, total, nil
}

// walk extracts indices 1..Total, loading more as the cursor reaches the
// revealed edge.
func (s *Scraper) walk(ctx context.Context, sess Session, res *Result, logger *slog.Logger) error {
	revealed := s.opts.PageSize
	exhausted := false

	for i := 1; i <= res.Total; i++ {
		if err := ctx.Err(); err != nil {
			return s.abort(res, ReasonCanceled, err)
		}

		rec, err := sess.ExtractAt(ctx, i)
		if errors.Is(err, ErrMaterializationPending) {
			metrics.RecordOutcome(res.ListingID, "pending")
			if exhausted {
				return s.abort(res, ReasonListingExhausted,
					fmt.Errorf("index %d of %d never loaded: %w", i, res.Total, ErrListingExhausted))
			}

			logger.Debug("record pending, loading more", "index", i)
			if lerr := s.loadMore(ctx, sess, res, "reactive", logger); lerr != nil {
				return s.abortLoadMore(ctx, res, lerr)
			}
			revealed += s.opts.PageSize

			res.Retries++
			rec, err = sess.ExtractAt(ctx, i)
			if errors.Is(err, ErrMaterializationPending) {
				return s.abort(res, ReasonElementNotFound,
					fmt.Errorf("index %d still pending after load more: %w", i, err))
			}
		}

		switch {
		case err == nil:
			if s.mismatch(res.Identity, rec) {
				res.Skipped[SkipMismatch]++
				metrics.RecordOutcome(res.ListingID, "mismatch")
				logger.Debug("discarding record from another identity", "index", i, "school", rec.School)
				break
			}
			out := *rec
			out.Index = i
			out.ListingID = res.ListingID
			res.Records = append(res.Records, &out)
			metrics.RecordOutcome(res.ListingID, "extracted")
		case errors.Is(err, ErrRecordMalformed):
			res.Skipped[SkipMalformed]++
			metrics.RecordOutcome(res.ListingID, "malformed")
			logger.Warn("skipping malformed record", "index", i, "err", err)
		case ctx.Err() != nil:
			return s.abort(res, ReasonCanceled, ctx.Err())
		default:
			return s.abort(res, ReasonError, fmt.Errorf("extract index %d: %w", i, err))
		}

		if i >= revealed && i < res.Total && !exhausted {
			err := s.loadMore(ctx, sess, res, "proactive", logger)
			switch {
			case err == nil:
				revealed += s.opts.PageSize
			case errors.Is(err, ErrListingExhausted):
				exhausted = true
				logger.Info("listing exhausted before total", "index", i, "total", res.Total)
			default:
				return s.abortLoadMore(ctx, res, err)
			}
		}
	}
	return nil
}

// loadMore triggers one expansion, repeating stale triggers up to
// LoadMoreRetries times. Each attempt waits at most WaitTimeout for growth.
func (s *Scraper) loadMore(ctx context.Context, sess Session, res *Result, trigger string, logger *slog.Logger) error {
	for attempt := 0; ; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, s.opts.WaitTimeout)
		err := sess.LoadMore(wctx)
		expired := errors.Is(wctx.Err(), context.DeadlineExceeded)
		cancel()

		switch {
		case err == nil:
			res.LoadMores++
			metrics.RecordLoadMore(res.ListingID, trigger, "ok")
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrListingExhausted):
			metrics.RecordLoadMore(res.ListingID, trigger, "exhausted")
			return err
		case errors.Is(err, ErrTimeout), expired:
			metrics.RecordLoadMore(res.ListingID, trigger, "timeout")
			if !errors.Is(err, ErrTimeout) {
				err = fmt.Errorf("%w: %w", ErrTimeout, err)
			}
			return fmt.Errorf("no growth within %s: %w", s.opts.WaitTimeout, err)
		case errors.Is(err, ErrStaleTrigger):
			metrics.RecordLoadMore(res.ListingID, trigger, "stale")
			if attempt >= s.opts.LoadMoreRetries {
				return fmt.Errorf("gave up after %d attempts: %w", attempt+1, err)
			}
			res.Retries++
			logger.Warn("stale load-more trigger, retrying", "attempt", attempt+1, "err", err)
			if serr := sleep(ctx, s.opts.RetryBackoff); serr != nil {
				return serr
			}
		default:
			metrics.RecordLoadMore(res.ListingID, trigger, "error")
			return err
		}
	}
}

func (s *Scraper) abortLoadMore(ctx context.Context, res *Result, err error) error {
	switch {
	case ctx.Err() != nil:
		return s.abort(res, ReasonCanceled, ctx.Err())
	case errors.Is(err, ErrListingExhausted):
		return s.abort(res, ReasonListingExhausted, err)
	case errors.Is(err, ErrTimeout):
		return s.abort(res, ReasonTimeout, err)
	case errors.Is(err, ErrStaleTrigger):
		return s.abort(res, ReasonLoadMoreFailed, err)
	default:
		return s.abort(res, ReasonError, err)
	}
}

func (s *Scraper) abort(res *Result, reason Reason, err error) error {
	res.Status = StatusAborted
	res.Reason = reason
	res.Err = err
	return err
}

// mismatch reports whether rec belongs to a different identity. Records
// without a school value cannot be judged and are kept.
func (s *Scraper) mismatch(identity string, rec *storage.Record) bool {
	if identity == "" {
		return false
	}
	school := strings.TrimSpace(rec.School)
	if school == "" {
		return false
	}
	return !strings.EqualFold(school, identity)
}
