package listing

import (
	"context"
	"fmt"
	"sync"

	"github.com/FranksOps/tally/internal/storage"
)

// fakeSource serves an in-memory listing whose sessions behave like a
// load-more page: items up to revealed are materialized, LoadMore reveals
// pageSize more.
type fakeSource struct {
	mu sync.Mutex

	// counts is the Count reported per open; the last value repeats.
	counts   []int
	countErr error
	openErr  error
	items    int
	pageSize int
	identity string
	school   map[int]string

	malformed map[int]bool
	// stuck indices stay pending no matter how much is loaded.
	stuck map[int]bool
	// staleFailures LoadMore calls fail with ErrStaleTrigger before one succeeds.
	staleFailures int
	// hangLoadMore blocks LoadMore until its context ends.
	hangLoadMore bool
	onExtract    func(index int)

	opens    int
	closes   int
	extracts map[int]int
	// loadMoreAfter records the last extracted index at each LoadMore call.
	loadMoreAfter []int
}

func (f *fakeSource) Open(ctx context.Context, listingID string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	count := 0
	if len(f.counts) > 0 {
		idx := f.opens - 1
		if idx >= len(f.counts) {
			idx = len(f.counts) - 1
		}
		count = f.counts[idx]
	}
	if f.extracts == nil {
		f.extracts = map[int]int{}
	}
	revealed := f.pageSize
	if revealed > f.items {
		revealed = f.items
	}
	return &fakeSession{src: f, count: count, revealed: revealed}, nil
}

type fakeSession struct {
	src      *fakeSource
	count    int
	revealed int
	last     int
	stale    int
}

func (s *fakeSession) Count(ctx context.Context) (int, error) {
	if s.src.countErr != nil {
		return 0, s.src.countErr
	}
	return s.count, nil
}

func (s *fakeSession) Identity(ctx context.Context) (string, error) {
	return s.src.identity, nil
}

func (s *fakeSession) ExtractAt(ctx context.Context, index int) (*storage.Record, error) {
	s.src.mu.Lock()
	s.src.extracts[index]++
	s.src.mu.Unlock()

	if s.src.onExtract != nil {
		s.src.onExtract(index)
	}
	if index > s.revealed || s.src.stuck[index] {
		return nil, fmt.Errorf("card %d: %w", index, ErrMaterializationPending)
	}
	s.last = index
	if s.src.malformed[index] {
		return nil, fmt.Errorf("card %d has no name: %w", index, ErrRecordMalformed)
	}
	school := s.src.identity
	if sc, ok := s.src.school[index]; ok {
		school = sc
	}
	return &storage.Record{
		Index:  index,
		Name:   fmt.Sprintf("Professor %d", index),
		School: school,
		Rating: "4.0",
	}, nil
}

func (s *fakeSession) LoadMore(ctx context.Context) error {
	s.src.mu.Lock()
	s.src.loadMoreAfter = append(s.src.loadMoreAfter, s.last)
	s.src.mu.Unlock()

	if s.src.hangLoadMore {
		<-ctx.Done()
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	if s.stale < s.src.staleFailures {
		s.stale++
		return fmt.Errorf("button detached: %w", ErrStaleTrigger)
	}
	s.stale = 0
	if s.revealed >= s.src.items {
		return ErrListingExhausted
	}
	s.revealed += s.src.pageSize
	if s.revealed > s.src.items {
		s.revealed = s.src.items
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	s.src.closes++
	return nil
}
