package jsonbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/FranksOps/tally/internal/storage"
)

// ensure jsonBackend implements storage.Backend
var _ storage.Backend = (*jsonBackend)(nil)

func init() {
	storage.Register("json", func(_ context.Context, location string) (storage.Backend, error) {
		return New(location)
	})
}

type jsonBackend struct {
	mu   sync.Mutex
	path string
}

// New returns a backend writing a pretty-printed JSON array of records to
// filePath. The file is not touched until the first Replace.
func New(filePath string) (storage.Backend, error) {
	if filePath == "" {
		return nil, errors.New("jsonbackend: empty file path")
	}
	return &jsonBackend{path: filePath}, nil
}

// Replace writes snap to a temp file next to the target and renames it into
// place, so readers see either the old array or the new one.
func (b *jsonBackend) Replace(ctx context.Context, snap *storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	recs := snap.Records
	if recs == nil {
		recs = []*storage.Record{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jsonbackend: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("jsonbackend: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(recs); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonbackend: encode: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonbackend: chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("jsonbackend: close temp: %w", err)
	}

	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("jsonbackend: rename: %w", err)
	}
	return nil
}

func (b *jsonBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []*storage.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jsonbackend: read: %w", err)
	}

	var all []*storage.Record
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("jsonbackend: decode: %w", err)
	}

	filtered := make([]*storage.Record, 0, len(all))
	for _, r := range all {
		if filter.Match(r) {
			filtered = append(filtered, r)
		}
	}
	storage.SortByIndex(filtered)

	return filter.Page(filtered), nil
}

func (b *jsonBackend) Close() error {
	return nil
}
