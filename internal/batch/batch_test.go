package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FranksOps/tally/internal/listing"
	"github.com/FranksOps/tally/internal/storage"
	_ "github.com/FranksOps/tally/internal/storage/jsonbackend"
)

// source serves total records per listing, 8 at a time. count is what the
// session reports; hang makes load more wait for its deadline.
type source struct {
	count int
	total int
	hang  bool
}

func (s *source) Open(ctx context.Context, id string) (listing.Session, error) {
	return &session{src: s, id: id, revealed: min(8, s.total)}, nil
}

type session struct {
	src      *source
	id       string
	revealed int
}

func (s *session) Count(context.Context) (int, error) { return s.src.count, nil }

func (s *session) Identity(context.Context) (string, error) { return "School " + s.id, nil }

func (s *session) ExtractAt(_ context.Context, i int) (*storage.Record, error) {
	if i > s.revealed {
		return nil, listing.ErrMaterializationPending
	}
	return &storage.Record{Name: fmt.Sprintf("Prof %d", i), School: "School " + s.id}, nil
}

func (s *session) LoadMore(ctx context.Context) error {
	if s.src.hang {
		<-ctx.Done()
		return listing.ErrTimeout
	}
	if s.revealed >= s.src.total {
		return listing.ErrListingExhausted
	}
	s.revealed = min(s.revealed+8, s.src.total)
	return nil
}

func (s *session) Close() error { return nil }

func options() listing.Options {
	return listing.Options{
		ReloadTimeout:  100 * time.Millisecond,
		ReloadInterval: 5 * time.Millisecond,
		WaitTimeout:    30 * time.Millisecond,
		RetryBackoff:   time.Millisecond,
	}
}

func readNames(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	var recs []storage.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		t.Fatalf("Failed to decode output: %v", err)
	}
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.Name)
	}
	return names
}

func TestRun_OpenTimeoutLeavesOutputAlone(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.json")
	if err := os.WriteFile(out, []byte("previous run\n"), 0o644); err != nil {
		t.Fatalf("Failed to seed output: %v", err)
	}

	r := New(listing.New(&source{count: 0}, options()), Config{Out: out})
	outcomes, err := r.Run(context.Background(), []string{"1"})
	if err != nil {
		t.Fatalf("unexpected output error: %v", err)
	}
	o := outcomes[0]
	if o.Result.Reason != listing.ReasonTimeout || o.Written || o.Target != "" {
		t.Fatalf("expected unwritten timeout, got %+v", o)
	}

	data, _ := os.ReadFile(out)
	if string(data) != "previous run\n" {
		t.Errorf("pre-existing output was modified: %q", data)
	}
}

func TestRun_InLoopTimeoutWritesPartial(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.json")

	r := New(listing.New(&source{count: 10, total: 10, hang: true}, options()), Config{Out: out})
	outcomes, err := r.Run(context.Background(), []string{"1"})
	if err != nil {
		t.Fatalf("unexpected output error: %v", err)
	}
	if o := outcomes[0]; o.Result.Reason != listing.ReasonTimeout || !o.Written {
		t.Fatalf("expected written timeout, got reason=%s written=%v", o.Result.Reason, o.Written)
	}
	if names := readNames(t, out); len(names) != 8 {
		t.Errorf("expected 8 partial records, got %d", len(names))
	}
}

func TestRun_FailedWriteIsNotWritten(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to seed file: %v", err)
	}

	r := New(listing.New(&source{count: 5, total: 5}, options()), Config{Out: filepath.Join(blocker, "out.json")})
	outcomes, err := r.Run(context.Background(), []string{"1"})
	if err == nil {
		t.Fatal("expected a write error")
	}
	o := outcomes[0]
	if o.Written || o.WriteErr == nil || !o.Result.Writable() {
		t.Errorf("expected a writable result whose write failed, got written=%v err=%v", o.Written, o.WriteErr)
	}
}

func TestRun_ReplacesNotAppends(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.json")
	r := New(listing.New(&source{count: 12, total: 12}, options()), Config{Out: out})

	for range 2 {
		if _, err := r.Run(context.Background(), []string{"1"}); err != nil {
			t.Fatalf("Failed to run: %v", err)
		}
	}
	if names := readNames(t, out); len(names) != 12 {
		t.Errorf("expected 12 records after re-run, got %d", len(names))
	}
}

func TestRun_ManyListings(t *testing.T) {
	dir := t.TempDir()
	r := New(listing.New(&source{count: 5, total: 5}, options()), Config{
		Out:         filepath.Join(dir, "profs_from_{school}.json"),
		Concurrency: 2,
	})

	ids := []string{"1256", "18418", "7"}
	outcomes, err := r.Run(context.Background(), ids)
	if err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	for i, id := range ids {
		if outcomes[i].Result.ListingID != id {
			t.Errorf("outcome %d is for %s, want %s", i, outcomes[i].Result.ListingID, id)
		}
		want := filepath.Join(dir, "profs_from_School_"+id+".json")
		if outcomes[i].Target != want {
			t.Errorf("expected target %s, got %s", want, outcomes[i].Target)
		}
		if names := readNames(t, want); len(names) != 5 {
			t.Errorf("%s: expected 5 records, got %d", id, len(names))
		}
	}
}

func TestCheck(t *testing.T) {
	if err := Check("out.json", []string{"1", "2"}); err == nil {
		t.Errorf("expected shared file target to be rejected")
	}
	for _, out := range []string{"out_{id}.json", "sqlite://tally.db", "out.csv"} {
		ids := []string{"1", "2"}
		if out == "out.csv" {
			ids = ids[:1]
		}
		if err := Check(out, ids); err != nil {
			t.Errorf("Check(%q) failed: %v", out, err)
		}
	}
}

func TestTarget(t *testing.T) {
	res := &listing.Result{ListingID: "1256", Identity: "University of Wisconsin - Madison"}
	if got := Target("profs_from_{school}.json", res); got != "profs_from_University_of_Wisconsin_-_Madison.json" {
		t.Errorf("unexpected target %q", got)
	}
	if got := Target("out/{id}.csv", &listing.Result{ListingID: "a/b"}); got != "out/a_b.csv" {
		t.Errorf("unexpected target %q", got)
	}
	if got := Target("{school}.json", &listing.Result{ListingID: "9"}); got != "9.json" {
		t.Errorf("expected listing id fallback, got %q", got)
	}
}
