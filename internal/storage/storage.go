package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is one listing entry as found on the page. Values are trimmed
// strings; nothing is parsed into numbers.
type Record struct {
	ListingID         string `json:"listing_id,omitempty"`
	Index             int    `json:"index"`
	Name              string `json:"name"`
	Category          string `json:"category"`
	School            string `json:"school,omitempty"`
	Rating            string `json:"rating"`
	NumRatings        string `json:"num_ratings"`
	WouldTakeAgainPct string `json:"would_take_again_pct"`
	Difficulty        string `json:"difficulty"`
}

// Snapshot is the full output of one run over one listing.
type Snapshot struct {
	RunID     string
	ListingID string
	Records   []*Record
	CreatedAt time.Time
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	ListingID string
	Category  string
	School    string
	Limit     int
	Offset    int
}

// Match reports whether r passes the field filters (not Limit/Offset).
func (f Filter) Match(r *Record) bool {
	if f.ListingID != "" && r.ListingID != "" && r.ListingID != f.ListingID {
		return false
	}
	if f.Category != "" && !strings.EqualFold(r.Category, f.Category) {
		return false
	}
	if f.School != "" && !strings.EqualFold(r.School, f.School) {
		return false
	}
	return true
}

// Page applies Offset and Limit to an already filtered, ordered slice.
func (f Filter) Page(recs []*Record) []*Record {
	if f.Offset > 0 {
		if f.Offset >= len(recs) {
			return []*Record{}
		}
		recs = recs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(recs) {
		recs = recs[:f.Limit]
	}
	return recs
}

// Backend stores run output. Replace swaps everything held for the
// snapshot's listing for the snapshot's records, so re-running into the
// same target never appends.
type Backend interface {
	Replace(ctx context.Context, snap *Snapshot) error
	Query(ctx context.Context, filter Filter) ([]*Record, error)
	Close() error
}

// OpenFunc opens a backend from a kind-specific location (a path or DSN).
type OpenFunc func(ctx context.Context, location string) (Backend, error)

var (
	// ErrUnknownTarget is returned by Open when no registered backend handles a target.
	ErrUnknownTarget = errors.New("storage: unknown target")
	// ErrUnsupportedFilter is returned by Query when the backend does not
	// store the field a filter names.
	ErrUnsupportedFilter = errors.New("storage: unsupported filter")
)

var (
	registryMu sync.RWMutex
	registry   = map[string]OpenFunc{}
)

// Register makes a backend kind available to Open. Backends call it from init.
func Register(kind string, fn OpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if fn == nil {
		panic("storage: Register with nil OpenFunc for " + kind)
	}
	if _, dup := registry[kind]; dup {
		panic("storage: Register called twice for " + kind)
	}
	registry[kind] = fn
}

// Kinds lists registered backend kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ParseTarget splits an output target into a backend kind and location:
//
//	out.json             -> json, out.json
//	out.csv              -> csv, out.csv
//	sqlite://tally.db    -> sqlite, tally.db
//	postgres://u@h/db    -> postgres, postgres://u@h/db
func ParseTarget(target string) (kind, location string, err error) {
	lower := strings.ToLower(target)
	switch {
	case strings.HasPrefix(lower, "sqlite://"):
		return "sqlite", target[len("sqlite://"):], nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres", target, nil
	case strings.HasSuffix(lower, ".json"):
		return "json", target, nil
	case strings.HasSuffix(lower, ".csv"):
		return "csv", target, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
}

// Open resolves target to a registered backend and opens it.
func Open(ctx context.Context, target string) (Backend, error) {
	kind, location, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}

	registryMu.RLock()
	fn, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend %q not registered (have %s)", ErrUnknownTarget, kind, strings.Join(Kinds(), ", "))
	}

	b, err := fn(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", kind, err)
	}
	return b, nil
}

// SortByIndex orders records by Index ascending in place.
func SortByIndex(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Index < recs[j].Index })
}
