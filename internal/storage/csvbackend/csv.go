package csvbackend

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/FranksOps/tally/internal/storage"
)

// ensure csvBackend implements storage.Backend
var _ storage.Backend = (*csvBackend)(nil)

func init() {
	storage.Register("csv", func(_ context.Context, location string) (storage.Backend, error) {
		return New(location)
	})
}

// headers defines the CSV column order. The file holds a single listing,
// so neither the listing ID nor the school is written.
var headers = []string{
	"name",
	"category",
	"rating",
	"num_ratings",
	"would_take_again_pct",
	"difficulty",
}

type csvBackend struct {
	mu   sync.Mutex
	path string
}

// New returns a CSV-backed storage.Backend writing to filePath.
func New(filePath string) (storage.Backend, error) {
	if filePath == "" {
		return nil, errors.New("csvbackend: empty file path")
	}
	return &csvBackend{path: filePath}, nil
}

func (b *csvBackend) Replace(ctx context.Context, snap *storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("csvbackend: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("csvbackend: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(headers); err != nil {
		tmp.Close()
		return fmt.Errorf("csvbackend: write header: %w", err)
	}
	for _, r := range snap.Records {
		row := []string{r.Name, r.Category, r.Rating, r.NumRatings, r.WouldTakeAgainPct, r.Difficulty}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return fmt.Errorf("csvbackend: write row %d: %w", r.Index, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("csvbackend: flush: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("csvbackend: chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("csvbackend: close temp: %w", err)
	}

	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("csvbackend: rename: %w", err)
	}
	return nil
}

// Query reads rows back in file order. Index is the 1-based row number
// since the CSV layout does not carry it. ListingID filters are ignored as
// the file holds one listing; School filters are rejected as no school is
// stored.
func (b *csvBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Record, error) {
	if filter.School != "" {
		return nil, fmt.Errorf("csvbackend: school %q: %w", filter.School, storage.ErrUnsupportedFilter)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []*storage.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csvbackend: open: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)

	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return []*storage.Record{}, nil
		}
		return nil, fmt.Errorf("csvbackend: read header: %w", err)
	}

	var filtered []*storage.Record
	row := 0
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csvbackend: read row: %w", err)
		}
		row++

		if len(fields) != len(headers) {
			continue // skip malformed rows
		}

		rec := &storage.Record{
			Index:             row,
			Name:              fields[0],
			Category:          fields[1],
			Rating:            fields[2],
			NumRatings:        fields[3],
			WouldTakeAgainPct: fields[4],
			Difficulty:        fields[5],
		}
		if filter.Match(rec) {
			filtered = append(filtered, rec)
		}
	}

	if filtered == nil {
		filtered = []*storage.Record{}
	}
	return filter.Page(filtered), nil
}

func (b *csvBackend) Close() error {
	return nil
}
