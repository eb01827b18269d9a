package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/FranksOps/tally/internal/storage"
)

// ensure sqliteBackend implements storage.Backend
var _ storage.Backend = (*sqliteBackend)(nil)

func init() {
	storage.Register("sqlite", func(_ context.Context, location string) (storage.Backend, error) {
		return New(location)
	})
}

type sqliteBackend struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	listing_id TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	listing_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	school TEXT NOT NULL,
	rating TEXT NOT NULL,
	num_ratings TEXT NOT NULL,
	would_take_again_pct TEXT NOT NULL,
	difficulty TEXT NOT NULL,
	PRIMARY KEY (listing_id, idx)
);
`

// New opens (or creates) the SQLite database at dsn.
func New(dsn string) (storage.Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// one connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}

	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Replace(ctx context.Context, snap *storage.Snapshot) error {
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE listing_id = ?`, snap.ListingID); err != nil {
		return fmt.Errorf("sqlite: clear listing: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO records (
		listing_id, idx, run_id, name, category, school, rating, num_ratings, would_take_again_pct, difficulty
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range snap.Records {
		_, err := stmt.ExecContext(ctx,
			snap.ListingID, r.Index, snap.RunID,
			r.Name, r.Category, r.School, r.Rating, r.NumRatings, r.WouldTakeAgainPct, r.Difficulty,
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert index %d: %w", r.Index, err)
		}
	}

	if snap.RunID != "" {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO runs (run_id, listing_id, record_count, created_at) VALUES (?, ?, ?, ?)`,
			snap.RunID, snap.ListingID, len(snap.Records), createdAt,
		)
		if err != nil {
			return fmt.Errorf("sqlite: record run: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Record, error) {
	query := `SELECT listing_id, idx, name, category, school, rating, num_ratings, would_take_again_pct, difficulty FROM records WHERE 1=1`
	args := []any{}

	if filter.ListingID != "" {
		query += ` AND listing_id = ?`
		args = append(args, filter.ListingID)
	}
	if filter.Category != "" {
		query += ` AND lower(category) = lower(?)`
		args = append(args, filter.Category)
	}
	if filter.School != "" {
		query += ` AND lower(school) = lower(?)`
		args = append(args, filter.School)
	}

	query += ` ORDER BY listing_id, idx`

	// SQLite only accepts OFFSET after a LIMIT
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	results := []*storage.Record{}
	for rows.Next() {
		var r storage.Record
		err := rows.Scan(
			&r.ListingID, &r.Index, &r.Name, &r.Category, &r.School,
			&r.Rating, &r.NumRatings, &r.WouldTakeAgainPct, &r.Difficulty,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		results = append(results, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows: %w", err)
	}

	return results, nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
