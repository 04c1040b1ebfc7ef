// Package postgres implements kv.Store on a PostgreSQL table through a pgx
// connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SamuelRCrider/pii-guard/kv"
)

const schema = `
CREATE TABLE IF NOT EXISTS piiguard_kv (
    key        TEXT PRIMARY KEY,
    value      BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type Store struct {
	Pool *pgxpool.Pool
}

var _ kv.Store = (*Store)(nil)

// Connect opens a pool, verifies connectivity and ensures the table exists.
func Connect(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() { s.Pool.Close() }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.Pool.QueryRow(ctx, `SELECT value FROM piiguard_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.Pool.Exec(ctx, `
        INSERT INTO piiguard_kv (key, value) VALUES ($1, $2)
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
    `, key, value)
	if err != nil {
		return fmt.Errorf("postgres set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.Pool.Exec(ctx, `DELETE FROM piiguard_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, prefix string, limit int) ([]kv.Record, error) {
	// LIMIT NULL is unbounded
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.Pool.Query(ctx, `
        SELECT key, value FROM piiguard_kv
        WHERE key LIKE $1
        ORDER BY key
        LIMIT $2
    `, kv.LikePrefix(prefix), lim)
	if err != nil {
		return nil, fmt.Errorf("postgres query %q: %w", prefix, err)
	}
	defer rows.Close()

	var records []kv.Record
	for rows.Next() {
		var rec kv.Record
		if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
			return nil, fmt.Errorf("postgres scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	var (
		sql  string
		args []any
	)
	if prev == nil {
		sql = `INSERT INTO piiguard_kv (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`
		args = []any{key, next}
	} else {
		sql = `UPDATE piiguard_kv SET value = $2, updated_at = now() WHERE key = $1 AND value = $3`
		args = []any{key, next, prev}
	}
	tag, err := s.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("postgres compare-and-swap %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}
