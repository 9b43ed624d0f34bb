package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

type TranscriptRepository struct {
	db *sql.DB
}

func NewTranscriptRepository(db *sql.DB) *TranscriptRepository {
	return &TranscriptRepository{db: db}
}

const selectTranscript = `
SELECT id, session_id, COALESCE(audio_id, ''), raw_text, cleaned_text, language, word_count, model_id, status, created_at, updated_at
FROM transcripts
WHERE session_id = $1
`

func (r *TranscriptRepository) GetTranscript(ctx context.Context, sessionID string) (*domain.Transcript, error) {
	transcript, err := scanTranscript(r.db.QueryRowContext(ctx, selectTranscript, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrTranscriptNotFound, "get transcript", fmt.Errorf("session_id=%s", sessionID))
		}
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return &transcript, nil
}

func (r *TranscriptRepository) EnsureTranscript(ctx context.Context, sessionID, language string) (*domain.Transcript, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ensure transcript tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO transcripts (id, session_id, language, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)
ON CONFLICT (session_id) DO NOTHING
`, uuid.NewString(), sessionID, language, string(domain.TranscriptTranscribing), now); err != nil {
		return nil, mapPGError("insert transcript", err)
	}

	transcript, err := scanTranscript(tx.QueryRowContext(ctx, selectTranscript, sessionID))
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ensure transcript tx: %w", err)
	}
	return &transcript, nil
}

func (r *TranscriptRepository) BeginTranscription(ctx context.Context, sessionID, audioID, language string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE transcripts
SET status = $3, audio_id = $2, language = $4, updated_at = $5
WHERE session_id = $1 AND status <> $6
  AND EXISTS (SELECT 1 FROM session_audio WHERE session_id = $1 AND id = $2)
`, sessionID, audioID, string(domain.TranscriptTranscribing), language, time.Now().UTC(), string(domain.TranscriptCompleted))
	if err != nil {
		return fmt.Errorf("begin transcription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("begin transcription rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrConflict, "begin transcription", fmt.Errorf("transcript for session %s is completed, missing or bound to replaced audio", sessionID))
	}
	return nil
}

func (r *TranscriptRepository) CompleteTranscription(ctx context.Context, sessionID, audioID string, result domain.TranscriptionResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete transcription tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE transcripts
SET raw_text = $3, cleaned_text = $4, language = $5, word_count = $6, model_id = $7, status = $8, updated_at = $9
WHERE session_id = $1 AND audio_id = $2 AND status = $10
`,
		sessionID, audioID, result.RawText, result.CleanedText, result.ResolvedLanguage, result.WordCount, result.ModelID,
		string(domain.TranscriptCompleted), now, string(domain.TranscriptTranscribing),
	)
	if err != nil {
		return fmt.Errorf("complete transcript: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete transcript rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrConflict, "complete transcription", fmt.Errorf("transcript for session %s superseded", sessionID))
	}

	if _, err := advanceSessionStatus(ctx, tx, sessionID, domain.SessionAnalyzing, []domain.SessionStatus{
		domain.SessionEmpty, domain.SessionRecorded, domain.SessionTranscribing,
	}, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete transcription tx: %w", err)
	}
	return nil
}

func (r *TranscriptRepository) FailTranscription(ctx context.Context, sessionID, audioID, message string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail transcription tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE transcripts
SET status = $3, updated_at = $4
WHERE session_id = $1 AND audio_id = $2 AND status <> $5
`, sessionID, audioID, string(domain.TranscriptFailed), now, string(domain.TranscriptCompleted))
	if err != nil {
		return fmt.Errorf("fail transcript: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail transcript rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrConflict, "fail transcription", fmt.Errorf("transcript for session %s superseded", sessionID))
	}

	if _, err := markSessionFailed(ctx, tx, sessionID, domain.ErrorStageTranscription, message, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail transcription tx: %w", err)
	}
	return nil
}

type transcriptScanner interface {
	Scan(dest ...interface{}) error
}

func scanTranscript(row transcriptScanner) (domain.Transcript, error) {
	var transcript domain.Transcript
	var status string
	err := row.Scan(
		&transcript.ID,
		&transcript.SessionID,
		&transcript.AudioID,
		&transcript.RawText,
		&transcript.CleanedText,
		&transcript.Language,
		&transcript.WordCount,
		&transcript.ModelID,
		&status,
		&transcript.CreatedAt,
		&transcript.UpdatedAt,
	)
	if err != nil {
		return domain.Transcript{}, err
	}
	transcript.Status = domain.TranscriptStatus(status)
	return transcript, nil
}
