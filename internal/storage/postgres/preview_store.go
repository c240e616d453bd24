// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/stateofplay-edge/internal/edge"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PreviewStoreConfig controls the Postgres connection pool used for preview rows.
type PreviewStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// PreviewStore writes crawler preview rows into Postgres.
type PreviewStore struct {
	pool  pool
	table string
}

// NewPreviewStore creates a Postgres-backed PreviewStore using the provided config.
func NewPreviewStore(ctx context.Context, cfg PreviewStoreConfig) (*PreviewStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPreviewStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewPreviewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPreviewStoreWithPool(p pool, table string) (*PreviewStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "crawler_previews"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PreviewStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *PreviewStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness checks.
func (s *PreviewStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the preview table when it does not exist yet.
func (s *PreviewStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	slug        TEXT NOT NULL,
	crawler     TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL,
	served_at   TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// RecordPreview inserts a preview row.
func (s *PreviewStore) RecordPreview(ctx context.Context, record edge.PreviewRecord) error {
	if record.ID == "" {
		return errors.New("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	slug,
	crawler,
	outcome,
	reason,
	duration_ms,
	served_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)`, s.table)

	args := []any{
		record.ID,
		record.Slug,
		record.Crawler,
		record.Outcome,
		record.Reason,
		record.Duration.Milliseconds(),
		record.ServedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert preview: %w", err)
	}
	return nil
}

// RecentPreviews returns the newest rows first, at most limit of them.
func (s *PreviewStore) RecentPreviews(ctx context.Context, limit int) ([]edge.PreviewRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT id, slug, crawler, outcome, reason, duration_ms, served_at
FROM %s
ORDER BY served_at DESC
LIMIT $1`, s.table)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query previews: %w", err)
	}
	defer rows.Close()

	var out []edge.PreviewRecord
	for rows.Next() {
		var (
			rec        edge.PreviewRecord
			durationMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.Slug, &rec.Crawler, &rec.Outcome, &rec.Reason, &durationMS, &rec.ServedAt); err != nil {
			return nil, fmt.Errorf("scan preview: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate previews: %w", err)
	}
	return out, nil
}
