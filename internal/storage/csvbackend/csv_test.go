package csvbackend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/FranksOps/tally/internal/storage"
)

func records() []*storage.Record {
	return []*storage.Record{
		{ListingID: "1256", Index: 1, Name: "Ada Lovelace", Category: "Mathematics", Rating: "4.9", NumRatings: "31", WouldTakeAgainPct: "97%", Difficulty: "2.8"},
		{ListingID: "1256", Index: 2, Name: "Grace Hopper", Category: "Computer Science", Rating: "4.7", NumRatings: "22", WouldTakeAgainPct: "90%", Difficulty: "3.4"},
		{ListingID: "1256", Index: 4, Name: "Smith, John", Category: "Mathematics", Rating: "2.1", NumRatings: "8", WouldTakeAgainPct: "N/A", Difficulty: "4.2"},
	}
}

func TestCSVBackend(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "professors.csv")

	b, err := New(filePath)
	if err != nil {
		t.Fatalf("Failed to create CSV backend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	if err := b.Replace(ctx, &storage.Snapshot{ListingID: "1256", Records: records()}); err != nil {
		t.Fatalf("Failed to write snapshot: %v", err)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != "name,category,rating,num_ratings,would_take_again_pct,difficulty" {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if lines[3] != `"Smith, John",Mathematics,2.1,8,N/A,4.2` {
		t.Errorf("unexpected quoted row: %q", lines[3])
	}

	all, err := b.Query(ctx, storage.Filter{})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(all))
	}
	if all[2].Name != "Smith, John" || all[2].Index != 3 {
		t.Errorf("unexpected third record: %+v", all[2])
	}

	math, err := b.Query(ctx, storage.Filter{Category: "Mathematics", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Failed to query by category: %v", err)
	}
	if len(math) != 1 || math[0].Name != "Smith, John" {
		t.Errorf("unexpected filtered page: %+v", math)
	}

	if _, err := b.Query(ctx, storage.Filter{School: "UW Madison"}); !errors.Is(err, storage.ErrUnsupportedFilter) {
		t.Errorf("expected the school filter to be rejected, got %v", err)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		t.Fatalf("Failed to stat output: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o644 {
		t.Errorf("expected output mode 0644, got %o", perm)
	}
}

func TestCSVBackend_ReplaceOverwrites(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "professors.csv")
	b, _ := New(filePath)
	ctx := context.Background()

	if err := b.Replace(ctx, &storage.Snapshot{Records: records()}); err != nil {
		t.Fatalf("Failed first write: %v", err)
	}
	if err := b.Replace(ctx, &storage.Snapshot{Records: records()[:1]}); err != nil {
		t.Fatalf("Failed second write: %v", err)
	}

	all, err := b.Query(ctx, storage.Filter{})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected second run to replace the first, got %d rows", len(all))
	}
}

func TestCSVBackend_QueryMissingFile(t *testing.T) {
	b, _ := New(filepath.Join(t.TempDir(), "none.csv"))
	all, err := b.Query(context.Background(), storage.Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected no rows, got %d", len(all))
	}
}
