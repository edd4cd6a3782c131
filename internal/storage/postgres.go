package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pageharvest/crawler/internal/kv"
)

// PostgresArchive mirrors visited records into PostgreSQL so the crawl can be
// queried with SQL. The KV store remains the authoritative record.
type PostgresArchive struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresArchive connects the archive and ensures its table exists.
func NewPostgresArchive(ctx context.Context, connString string, logger *zap.Logger) (*PostgresArchive, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := &PostgresArchive{pool: pool, logger: logger}
	if err := a.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("connected visited archive to PostgreSQL")
	return a, nil
}

func (a *PostgresArchive) ensureSchema(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS visited_pages (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL,
			url_sha256 CHAR(64) NOT NULL,
			domain TEXT NOT NULL,
			status_code INT NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL,
			content_type TEXT,
			content_hash CHAR(64),
			content_path TEXT,
			redirected_to_url TEXT,
			error TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure archive table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS visited_pages_domain_idx ON visited_pages (domain)`,
		`CREATE INDEX IF NOT EXISTS visited_pages_fetched_at_idx ON visited_pages (fetched_at)`,
	} {
		if _, err := a.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure archive index: %w", err)
		}
	}
	return nil
}

// InsertVisit appends one visited record.
func (a *PostgresArchive) InsertVisit(ctx context.Context, rec *kv.VisitedRecord) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO visited_pages
			(url, url_sha256, domain, status_code, fetched_at,
			 content_type, content_hash, content_path, redirected_to_url, error)
		VALUES ($1, $2, $3, $4, to_timestamp($5), $6, $7, $8, $9, $10)`,
		rec.URL,
		rec.URLSHA256,
		rec.Domain,
		rec.StatusCode,
		rec.FetchedAt,
		nullable(rec.ContentType),
		nullable(rec.ContentHash),
		nullable(rec.ContentPath),
		nullable(rec.RedirectedTo),
		nullable(rec.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to insert visit for %s: %w", rec.URL, err)
	}
	return nil
}

// Close releases the pool.
func (a *PostgresArchive) Close() {
	a.pool.Close()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
