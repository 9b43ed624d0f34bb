package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
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

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101701)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	status TEXT NOT NULL,
	last_error_stage TEXT NOT NULL DEFAULT '',
	last_error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_status_updated ON sessions(status, updated_at);

CREATE TABLE IF NOT EXISTS session_audio (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id) ON DELETE CASCADE,
	storage_key TEXT NOT NULL,
	filename VARCHAR(255) NOT NULL,
	language_hint TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transcripts (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id) ON DELETE CASCADE,
	audio_id TEXT,
	raw_text TEXT NOT NULL DEFAULT '',
	cleaned_text TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	word_count INTEGER NOT NULL DEFAULT 0,
	model_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS reports (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id) ON DELETE CASCADE,
	audio_id TEXT,
	summary TEXT NOT NULL DEFAULT '',
	key_points JSONB NOT NULL DEFAULT '[]'::jsonb,
	risk_flags JSONB NOT NULL DEFAULT '[]'::jsonb,
	treatment_plan JSONB NOT NULL DEFAULT '[]'::jsonb,
	therapist_notes TEXT NOT NULL DEFAULT '',
	model_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

ALTER TABLE reports ADD COLUMN IF NOT EXISTS audio_id TEXT;

CREATE INDEX IF NOT EXISTS idx_reports_status_updated ON reports(status, updated_at);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// mapPGError converts constraint violations into domain error kinds.
func mapPGError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return domain.WrapError(domain.ErrConflict, operation, err)
		case pgForeignKeyViolation:
			return domain.WrapError(domain.ErrSessionNotFound, operation, err)
		}
	}
	return fmt.Errorf("%s: %w", operation, err)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// advanceSessionStatus is the narrow status-only update shared by the repositories.
func advanceSessionStatus(ctx context.Context, db execer, id string, to domain.SessionStatus, from []domain.SessionStatus, now time.Time) (bool, error) {
	if len(from) == 0 {
		from = domain.StatusesBefore(to)
	}
	if len(from) == 0 {
		return false, nil
	}
	args := []any{id, string(to), now}
	placeholders := makePlaceholders(len(args)+1, len(from))
	for _, status := range from {
		args = append(args, string(status))
	}

	result, err := db.ExecContext(ctx, `
UPDATE sessions
SET status = $2, updated_at = $3
WHERE id = $1 AND status IN (`+placeholders+`)
`, args...)
	if err != nil {
		return false, fmt.Errorf("advance session status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance session status rows affected: %w", err)
	}
	return rows > 0, nil
}

func markSessionFailed(ctx context.Context, db execer, id string, stage domain.ErrorStage, message string, now time.Time) (bool, error) {
	result, err := db.ExecContext(ctx, `
UPDATE sessions
SET status = $2, last_error_stage = $3, last_error_message = $4, updated_at = $5
WHERE id = $1 AND status <> $6
`, id, string(domain.SessionFailed), string(stage), domain.TruncateErrorMessage(message), now, string(domain.SessionCompleted))
	if err != nil {
		return false, fmt.Errorf("mark session failed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark session failed rows affected: %w", err)
	}
	return rows > 0, nil
}

func makePlaceholders(start, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}
