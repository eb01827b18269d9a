// Package listing scrapes a paginated, incrementally loaded listing: it opens
// a session (reloading while the provider reports a bogus empty state), walks
// records by position, triggers "load more" as the cursor reaches the
// revealed edge, and classifies every failure into a skip, a retry or a
// terminal status.
package listing

import (
	"context"
	"errors"
	"time"

	"github.com/FranksOps/tally/internal/storage"
)

var (
	// ErrTransientProvider is a provider error state worth reloading for:
	// an empty-results banner, a zero or implausible count, a bot challenge.
	ErrTransientProvider = errors.New("listing: transient provider error")
	// ErrMaterializationPending means the record at an index is not loaded yet.
	ErrMaterializationPending = errors.New("listing: record not materialized")
	// ErrRecordMalformed means the record exists but a required field is missing.
	ErrRecordMalformed = errors.New("listing: record malformed")
	// ErrListingExhausted means there is no load-more control left.
	ErrListingExhausted = errors.New("listing: exhausted")
	// ErrStaleTrigger is a load-more attempt that failed but may succeed if repeated.
	ErrStaleTrigger = errors.New("listing: stale load-more trigger")
	// ErrTimeout is a bounded wait that expired.
	ErrTimeout = errors.New("listing: timed out")
)

// Source opens sessions on a remote listing.
type Source interface {
	Open(ctx context.Context, listingID string) (Session, error)
}

// Session is a live view of one listing. Indices are 1-based. ctx passed to
// each method bounds only that call.
type Session interface {
	// Count reports the listing's advertised total. A provider error banner
	// is reported as ErrTransientProvider.
	Count(ctx context.Context) (int, error)
	// Identity is the value records are filtered against (the school name).
	Identity(ctx context.Context) (string, error)
	// ExtractAt returns the record at index, ErrMaterializationPending if it
	// is not loaded yet, or ErrRecordMalformed.
	ExtractAt(ctx context.Context, index int) (*storage.Record, error)
	// LoadMore triggers one expansion and returns once growth is observed.
	// It returns ErrListingExhausted, ErrStaleTrigger or ErrTimeout.
	LoadMore(ctx context.Context) error
	Close() error
}

// Status is a run's completion status.
type Status string

const (
	StatusComplete Status = "complete"
	StatusAborted  Status = "aborted"
	StatusEmpty    Status = "empty"
)

// Reason qualifies an aborted run.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonTimeout          Reason = "timeout"
	ReasonElementNotFound  Reason = "element_not_found"
	ReasonListingExhausted Reason = "listing_exhausted"
	ReasonLoadMoreFailed   Reason = "load_more_failed"
	ReasonCanceled         Reason = "canceled"
	ReasonError            Reason = "error"
)

// Skip reasons counted in Result.Skipped.
const (
	SkipMalformed = "malformed"
	SkipMismatch  = "identity_mismatch"
)

// Result is the outcome of one run over one listing.
type Result struct {
	RunID     string
	ListingID string
	// Identity is the value records were filtered against, if any.
	Identity string
	Status   Status
	Reason   Reason
	// Err is the error that aborted the run.
	Err error

	Total   int
	Records []*storage.Record
	Skipped map[string]int
	// LoadMores counts successful load-more triggers; Retries counts
	// repeated attempts (stale triggers and pending re-extractions).
	LoadMores int
	Retries   int
	Opens     int

	StartedAt  time.Time
	FinishedAt time.Time

	opened bool
}

// Writable reports whether the result should be written out. Runs that
// never got past opening the session (a reload timeout, a launch failure)
// have nothing to say about the listing and must leave prior output alone.
func (r *Result) Writable() bool {
	return r.opened
}

// SkippedTotal sums all skip counters.
func (r *Result) SkippedTotal() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}

// Duration is the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Snapshot converts the result's records into a storage snapshot.
func (r *Result) Snapshot() *storage.Snapshot {
	return &storage.Snapshot{
		RunID:     r.RunID,
		ListingID: r.ListingID,
		Records:   r.Records,
		CreatedAt: r.FinishedAt,
	}
}
