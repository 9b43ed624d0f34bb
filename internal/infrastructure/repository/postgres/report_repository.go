package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

type ReportRepository struct {
	db *sql.DB
}

func NewReportRepository(db *sql.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

const selectReport = `
SELECT id, session_id, COALESCE(audio_id, ''), summary, key_points, risk_flags, treatment_plan, therapist_notes, model_id, status, created_at, updated_at
FROM reports
WHERE session_id = $1
`

func (r *ReportRepository) GetReport(ctx context.Context, sessionID string) (*domain.Report, error) {
	report, err := scanReport(r.db.QueryRowContext(ctx, selectReport, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrReportNotFound, "get report", fmt.Errorf("session_id=%s", sessionID))
		}
		return nil, fmt.Errorf("scan report: %w", err)
	}
	return &report, nil
}

func (r *ReportRepository) ClaimReport(ctx context.Context, sessionID string) (*domain.Report, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim report tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO reports (id, session_id, audio_id, status, created_at, updated_at)
VALUES ($1,$2,(SELECT id FROM session_audio WHERE session_id = $2),$3,$4,$4)
ON CONFLICT (session_id) DO NOTHING
`, uuid.NewString(), sessionID, string(domain.ReportProcessing), now); err != nil {
		return nil, mapPGError("insert report", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE reports
SET status = $2, audio_id = (SELECT id FROM session_audio WHERE session_id = $1), updated_at = $3
WHERE session_id = $1 AND status IN ($4, $5)
`, sessionID, string(domain.ReportProcessing), now, string(domain.ReportDraft), string(domain.ReportFailed)); err != nil {
		return nil, fmt.Errorf("claim report: %w", err)
	}

	report, err := scanReport(tx.QueryRowContext(ctx, selectReport, sessionID))
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim report tx: %w", err)
	}
	return &report, nil
}

func (r *ReportRepository) CompleteReport(ctx context.Context, sessionID, audioID string, generated domain.GeneratedReport) error {
	generated = generated.Normalize()
	keyPoints, err := json.Marshal(generated.KeyPoints)
	if err != nil {
		return fmt.Errorf("marshal key points: %w", err)
	}
	riskFlags, err := json.Marshal(generated.RiskFlags)
	if err != nil {
		return fmt.Errorf("marshal risk flags: %w", err)
	}
	plan, err := json.Marshal(generated.TreatmentPlan)
	if err != nil {
		return fmt.Errorf("marshal treatment plan: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete report tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE reports
SET summary = $2, key_points = $3, risk_flags = $4, treatment_plan = $5, model_id = $6, status = $7, updated_at = $8
WHERE session_id = $1 AND status = $9 AND COALESCE(audio_id, '') = $10
`,
		sessionID, generated.Summary, keyPoints, riskFlags, plan, generated.ModelID,
		string(domain.ReportCompleted), now, string(domain.ReportProcessing), audioID,
	)
	if err != nil {
		return fmt.Errorf("complete report: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete report rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrConflict, "complete report", fmt.Errorf("report for session %s is no longer processing for audio %s", sessionID, audioID))
	}

	if _, err := advanceSessionStatus(ctx, tx, sessionID, domain.SessionCompleted, []domain.SessionStatus{
		domain.SessionEmpty, domain.SessionRecorded, domain.SessionTranscribing, domain.SessionAnalyzing,
	}, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete report tx: %w", err)
	}
	return nil
}

func (r *ReportRepository) FailReport(ctx context.Context, sessionID, audioID string, markSession bool, message string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail report tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE reports
SET status = $2, updated_at = $3
WHERE session_id = $1 AND status = $4 AND COALESCE(audio_id, '') = $5
`, sessionID, string(domain.ReportFailed), now, string(domain.ReportProcessing), audioID)
	if err != nil {
		return fmt.Errorf("fail report: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail report rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrConflict, "fail report", fmt.Errorf("report for session %s is no longer processing for audio %s", sessionID, audioID))
	}

	if markSession {
		if _, err := markSessionFailed(ctx, tx, sessionID, domain.ErrorStageAnalysis, message, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail report tx: %w", err)
	}
	return nil
}

func (r *ReportRepository) UpdateTherapistNotes(ctx context.Context, sessionID, notes string) (*domain.Report, error) {
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
INSERT INTO reports (id, session_id, therapist_notes, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)
ON CONFLICT (session_id) DO UPDATE SET therapist_notes = EXCLUDED.therapist_notes, updated_at = EXCLUDED.updated_at
RETURNING id, session_id, COALESCE(audio_id, ''), summary, key_points, risk_flags, treatment_plan, therapist_notes, model_id, status, created_at, updated_at
`, uuid.NewString(), sessionID, notes, string(domain.ReportDraft), now)

	report, err := scanReport(row)
	if err != nil {
		return nil, mapPGError("update therapist notes", err)
	}
	return &report, nil
}

type reportScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row reportScanner) (domain.Report, error) {
	var report domain.Report
	var keyPointsRaw, riskFlagsRaw, planRaw []byte
	var status string
	err := row.Scan(
		&report.ID,
		&report.SessionID,
		&report.AudioID,
		&report.Summary,
		&keyPointsRaw,
		&riskFlagsRaw,
		&planRaw,
		&report.TherapistNotes,
		&report.ModelID,
		&status,
		&report.CreatedAt,
		&report.UpdatedAt,
	)
	if err != nil {
		return domain.Report{}, err
	}
	if err := unmarshalList(keyPointsRaw, &report.KeyPoints); err != nil {
		return domain.Report{}, fmt.Errorf("unmarshal key points: %w", err)
	}
	if err := unmarshalList(riskFlagsRaw, &report.RiskFlags); err != nil {
		return domain.Report{}, fmt.Errorf("unmarshal risk flags: %w", err)
	}
	if err := unmarshalList(planRaw, &report.TreatmentPlan); err != nil {
		return domain.Report{}, fmt.Errorf("unmarshal treatment plan: %w", err)
	}
	if report.KeyPoints == nil {
		report.KeyPoints = []string{}
	}
	if report.RiskFlags == nil {
		report.RiskFlags = []domain.RiskFlag{}
	}
	if report.TreatmentPlan == nil {
		report.TreatmentPlan = []string{}
	}
	report.Status = domain.ReportStatus(status)
	return report, nil
}

func unmarshalList(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
