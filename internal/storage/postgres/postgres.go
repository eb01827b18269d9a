package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/FranksOps/tally/internal/storage"
)

// ensure postgresBackend implements storage.Backend
var _ storage.Backend = (*postgresBackend)(nil)

func init() {
	storage.Register("postgres", func(ctx context.Context, location string) (storage.Backend, error) {
		return New(ctx, location)
	})
}

type postgresBackend struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS tally_runs (
	run_id TEXT PRIMARY KEY,
	listing_id TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tally_records (
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

// New connects to Postgres at dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: schema: %w", err)
	}

	return &postgresBackend{pool: pool}, nil
}

func (b *postgresBackend) Replace(ctx context.Context, snap *storage.Snapshot) error {
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM tally_records WHERE listing_id = $1`, snap.ListingID); err != nil {
		return fmt.Errorf("postgres: clear listing: %w", err)
	}

	batch := &pgx.Batch{}
	for _, r := range snap.Records {
		batch.Queue(`
		INSERT INTO tally_records (
			listing_id, idx, run_id, name, category, school, rating, num_ratings, would_take_again_pct, difficulty
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			snap.ListingID, r.Index, snap.RunID,
			r.Name, r.Category, r.School, r.Rating, r.NumRatings, r.WouldTakeAgainPct, r.Difficulty,
		)
	}
	if snap.RunID != "" {
		batch.Queue(`
		INSERT INTO tally_runs (run_id, listing_id, record_count, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO UPDATE SET record_count = EXCLUDED.record_count, created_at = EXCLUDED.created_at
		`, snap.RunID, snap.ListingID, len(snap.Records), createdAt)
	}

	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (b *postgresBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Record, error) {
	query := `SELECT listing_id, idx, name, category, school, rating, num_ratings, would_take_again_pct, difficulty FROM tally_records WHERE 1=1`
	args := []any{}
	paramCount := 1

	if filter.ListingID != "" {
		query += fmt.Sprintf(` AND listing_id = $%d`, paramCount)
		args = append(args, filter.ListingID)
		paramCount++
	}
	if filter.Category != "" {
		query += fmt.Sprintf(` AND lower(category) = lower($%d)`, paramCount)
		args = append(args, filter.Category)
		paramCount++
	}
	if filter.School != "" {
		query += fmt.Sprintf(` AND lower(school) = lower($%d)`, paramCount)
		args = append(args, filter.School)
		paramCount++
	}

	query += ` ORDER BY listing_id, idx`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, paramCount)
		args = append(args, filter.Limit)
		paramCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, paramCount)
		args = append(args, filter.Offset)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
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
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		results = append(results, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows: %w", err)
	}

	return results, nil
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}
