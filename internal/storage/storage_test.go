package storage

import (
	"context"
	"errors"
	"testing"
)

type mockBackend struct {
	location string
}

func (m *mockBackend) Replace(ctx context.Context, snap *Snapshot) error { return nil }
func (m *mockBackend) Query(ctx context.Context, filter Filter) ([]*Record, error) {
	return nil, nil
}
func (m *mockBackend) Close() error { return nil }

func TestBackendInterface(t *testing.T) {
	var b Backend = &mockBackend{}
	_ = b
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		target   string
		kind     string
		location string
	}{
		{"out/professors.json", "json", "out/professors.json"},
		{"OUT.JSON", "json", "OUT.JSON"},
		{"professors.csv", "csv", "professors.csv"},
		{"sqlite://tally.db", "sqlite", "tally.db"},
		{"sqlite://:memory:", "sqlite", ":memory:"},
		{"postgres://u:p@localhost/tally", "postgres", "postgres://u:p@localhost/tally"},
		{"postgresql://localhost/tally", "postgres", "postgresql://localhost/tally"},
	}

	for _, tc := range cases {
		kind, loc, err := ParseTarget(tc.target)
		if err != nil {
			t.Fatalf("ParseTarget(%q): unexpected error: %v", tc.target, err)
		}
		if kind != tc.kind || loc != tc.location {
			t.Errorf("ParseTarget(%q) = %s, %s; want %s, %s", tc.target, kind, loc, tc.kind, tc.location)
		}
	}

	if _, _, err := ParseTarget("professors.xml"); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestOpen_Registry(t *testing.T) {
	Register("json", func(ctx context.Context, location string) (Backend, error) {
		return &mockBackend{location: location}, nil
	})
	defer func() {
		registryMu.Lock()
		delete(registry, "json")
		registryMu.Unlock()
	}()

	b, err := Open(context.Background(), "x.json")
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if m, ok := b.(*mockBackend); !ok || m.location != "x.json" {
		t.Errorf("expected mock backend for x.json, got %#v", b)
	}

	if _, err := Open(context.Background(), "x.csv"); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("expected ErrUnknownTarget for unregistered csv, got %v", err)
	}
}

func TestFilter_MatchAndPage(t *testing.T) {
	recs := []*Record{
		{ListingID: "1256", Index: 1, Category: "Mathematics", School: "Tech"},
		{ListingID: "1256", Index: 2, Category: "Physics", School: "Tech"},
		{ListingID: "1256", Index: 3, Category: "mathematics", School: "Other"},
		{ListingID: "99", Index: 1, Category: "Mathematics", School: "Tech"},
	}

	f := Filter{ListingID: "1256", Category: "Mathematics"}
	var got []*Record
	for _, r := range recs {
		if f.Match(r) {
			got = append(got, r)
		}
	}
	if len(got) != 2 || got[0].Index != 1 || got[1].Index != 3 {
		t.Fatalf("unexpected match result: %+v", got)
	}

	if paged := (Filter{Offset: 1, Limit: 1}).Page(got); len(paged) != 1 || paged[0].Index != 3 {
		t.Errorf("unexpected page: %+v", paged)
	}
	if paged := (Filter{Offset: 5}).Page(got); len(paged) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(paged))
	}
}

func TestSortByIndex(t *testing.T) {
	recs := []*Record{{Index: 3}, {Index: 1}, {Index: 2}}
	SortByIndex(recs)
	for i, r := range recs {
		if r.Index != i+1 {
			t.Fatalf("position %d holds index %d", i, r.Index)
		}
	}
}
