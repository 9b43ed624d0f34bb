package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (id, owner_id, subject_id, status, last_error_stage, last_error_message, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`,
		session.ID, session.OwnerID, session.SubjectID, string(session.Status),
		string(session.LastErrorStage), session.LastErrorMessage, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return mapPGError("insert session", err)
	}
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, owner_id, subject_id, status, last_error_stage, last_error_message, created_at, updated_at
FROM sessions
WHERE id = $1
`, id)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrSessionNotFound, "get session", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &session, nil
}

func (r *SessionRepository) DeleteSession(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrSessionNotFound, "delete session", fmt.Errorf("id=%s", id))
	}
	return nil
}

func (r *SessionRepository) GetAudio(ctx context.Context, sessionID string) (*domain.Audio, error) {
	audio, err := getAudio(ctx, r.db, sessionID)
	if err != nil {
		return nil, err
	}
	return audio, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAudio(ctx context.Context, db queryRower, sessionID string) (*domain.Audio, error) {
	row := db.QueryRowContext(ctx, `
SELECT id, session_id, storage_key, filename, language_hint, size_bytes, created_at
FROM session_audio
WHERE session_id = $1
`, sessionID)

	var audio domain.Audio
	err := row.Scan(
		&audio.ID, &audio.SessionID, &audio.StorageKey, &audio.Filename,
		&audio.LanguageHint, &audio.SizeBytes, &audio.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrAudioNotFound, "get audio", fmt.Errorf("session_id=%s", sessionID))
		}
		return nil, fmt.Errorf("scan audio: %w", err)
	}
	return &audio, nil
}

func (r *SessionRepository) AttachAudio(ctx context.Context, audio *domain.Audio, replace bool) (*domain.Audio, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin attach audio tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, audio.SessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrSessionNotFound, "attach audio", fmt.Errorf("id=%s", audio.SessionID))
		}
		return nil, fmt.Errorf("lock session: %w", err)
	}

	previous, err := getAudio(ctx, tx, audio.SessionID)
	if err != nil && !domain.IsKind(err, domain.ErrAudioNotFound) {
		return nil, err
	}
	if err != nil {
		previous = nil
	}

	switch {
	case previous != nil && !replace:
		return nil, domain.WrapError(domain.ErrConflict, "attach audio", fmt.Errorf("session %s already has audio; use replace", audio.SessionID))
	case previous == nil && replace:
		return nil, domain.WrapError(domain.ErrInvalidInput, "replace audio", fmt.Errorf("session %s has no audio to replace", audio.SessionID))
	}

	if previous != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_audio WHERE session_id = $1`, audio.SessionID); err != nil {
			return nil, fmt.Errorf("delete previous audio: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO session_audio (id, session_id, storage_key, filename, language_hint, size_bytes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`,
		audio.ID, audio.SessionID, audio.StorageKey, audio.Filename, audio.LanguageHint, audio.SizeBytes, audio.CreatedAt,
	); err != nil {
		return nil, mapPGError("insert audio", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET status = $2, last_error_stage = '', last_error_message = '', updated_at = $3
WHERE id = $1
`, audio.SessionID, string(domain.SessionTranscribing), now); err != nil {
		return nil, fmt.Errorf("reset session status: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE transcripts
SET status = $2, audio_id = NULL, raw_text = '', cleaned_text = '', word_count = 0, model_id = '', updated_at = $3
WHERE session_id = $1
`, audio.SessionID, string(domain.TranscriptPending), now); err != nil {
		return nil, fmt.Errorf("reset transcript: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE reports
SET status = $2, audio_id = NULL, summary = '', key_points = '[]'::jsonb, risk_flags = '[]'::jsonb, treatment_plan = '[]'::jsonb, model_id = '', updated_at = $3
WHERE session_id = $1
`, audio.SessionID, string(domain.ReportDraft), now); err != nil {
		return nil, fmt.Errorf("reset report: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit attach audio tx: %w", err)
	}
	return previous, nil
}

func (r *SessionRepository) AdvanceStatus(ctx context.Context, id string, to domain.SessionStatus, from ...domain.SessionStatus) (bool, error) {
	return advanceSessionStatus(ctx, r.db, id, to, from, time.Now().UTC())
}

func (r *SessionRepository) MarkSessionFailed(ctx context.Context, id string, stage domain.ErrorStage, message string) error {
	_, err := markSessionFailed(ctx, r.db, id, stage, message, time.Now().UTC())
	return err
}

func (r *SessionRepository) ListSessionsByStatus(ctx context.Context, statuses []domain.SessionStatus, updatedBefore time.Time, limit int) ([]domain.Session, error) {
	if len(statuses) == 0 {
		return []domain.Session{}, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := []any{updatedBefore, limit}
	placeholders := makePlaceholders(len(args)+1, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT id, owner_id, subject_id, status, last_error_stage, last_error_message, created_at, updated_at
FROM sessions
WHERE updated_at < $1 AND status IN (`+placeholders+`)
ORDER BY updated_at ASC
LIMIT $2
`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (r *SessionRepository) Stats(ctx context.Context, ownerID string, weekStart time.Time) (domain.DashboardStats, error) {
	stats := domain.DashboardStats{
		OwnerID:   ownerID,
		ByStatus:  make(map[domain.SessionStatus]int),
		WeekStart: weekStart,
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT status, COUNT(*), COUNT(*) FILTER (WHERE created_at >= $2)
FROM sessions
WHERE ($1 = '' OR owner_id = $1)
GROUP BY status
`, ownerID, weekStart)
	if err != nil {
		return stats, fmt.Errorf("session stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var total, thisWeek int
		if err := rows.Scan(&status, &total, &thisWeek); err != nil {
			return stats, fmt.Errorf("scan session stats: %w", err)
		}
		stats.ByStatus[domain.SessionStatus(status)] = total
		stats.Total += total
		stats.SessionsThisWeek += thisWeek
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate session stats: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM reports r
JOIN sessions s ON s.id = r.session_id
WHERE ($1 = '' OR s.owner_id = $1) AND r.status = $2 AND r.updated_at >= $3
`, ownerID, string(domain.ReportCompleted), weekStart).Scan(&stats.ReportsReadyThisWeek)
	if err != nil {
		return stats, fmt.Errorf("report stats: %w", err)
	}
	return stats, nil
}

type sessionScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row sessionScanner) (domain.Session, error) {
	var session domain.Session
	var status, errorStage string
	err := row.Scan(
		&session.ID,
		&session.OwnerID,
		&session.SubjectID,
		&status,
		&errorStage,
		&session.LastErrorMessage,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return domain.Session{}, err
	}
	session.Status = domain.SessionStatus(status)
	session.LastErrorStage = domain.ErrorStage(errorStage)
	return session, nil
}
