package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the uploads and jobs tables. The advisory lock
// serialises bootstrap DDL across api/worker startups.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026080501)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS uploads (
	upload_id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	content_type TEXT NOT NULL,
	source TEXT NOT NULL,
	tags JSONB NOT NULL DEFAULT '[]'::jsonb,
	lang_hint TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	checksum_sha256 TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ingest_jobs (
	job_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	profile TEXT NOT NULL,
	target_index TEXT NOT NULL DEFAULT '',
	target_alias TEXT NOT NULL DEFAULT '',
	upload_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
	options JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	progress JSONB NOT NULL DEFAULT '{}'::jsonb,
	summary JSONB,
	metrics JSONB,
	evaluation JSONB,
	error JSONB,
	logs_tail JSONB NOT NULL DEFAULT '[]'::jsonb
);

CREATE INDEX IF NOT EXISTS idx_ingest_jobs_status ON ingest_jobs(status);
CREATE INDEX IF NOT EXISTS idx_ingest_jobs_created_at ON ingest_jobs(created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
