package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
)

type SessionUseCase struct {
	sessions    ports.SessionRepository
	transcripts ports.TranscriptRepository
	reports     ports.ReportRepository
	storage     ports.ObjectStorage
	now         func() time.Time
}

func NewSessionUseCase(
	sessions ports.SessionRepository,
	transcripts ports.TranscriptRepository,
	reports ports.ReportRepository,
	storage ports.ObjectStorage,
) *SessionUseCase {
	return &SessionUseCase{
		sessions:    sessions,
		transcripts: transcripts,
		reports:     reports,
		storage:     storage,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (uc *SessionUseCase) Create(ctx context.Context, ownerID, subjectID string) (*domain.Session, error) {
	ownerID = strings.TrimSpace(ownerID)
	subjectID = strings.TrimSpace(subjectID)
	if ownerID == "" || subjectID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "create session", errors.New("owner_id and subject_id are required"))
	}

	now := uc.now()
	session := &domain.Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		SubjectID: subjectID,
		Status:    domain.SessionEmpty,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := uc.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// View assembles the session projection; absent children are left nil.
func (uc *SessionUseCase) View(ctx context.Context, sessionID string) (*domain.SessionView, error) {
	session, err := uc.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	view := &domain.SessionView{Session: *session}

	audio, err := uc.sessions.GetAudio(ctx, sessionID)
	if err != nil && !domain.IsNotFound(err) {
		return nil, fmt.Errorf("get audio: %w", err)
	}
	view.Audio = audio

	transcript, err := uc.transcripts.GetTranscript(ctx, sessionID)
	if err != nil && !domain.IsNotFound(err) {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	view.Transcript = transcript

	report, err := uc.reports.GetReport(ctx, sessionID)
	if err != nil && !domain.IsNotFound(err) {
		return nil, fmt.Errorf("get report: %w", err)
	}
	view.Report = report

	return view, nil
}

// Delete removes the session rows and then its stored audio.
func (uc *SessionUseCase) Delete(ctx context.Context, sessionID string) error {
	audio, err := uc.sessions.GetAudio(ctx, sessionID)
	if err != nil && !domain.IsNotFound(err) {
		return fmt.Errorf("get audio: %w", err)
	}
	if err := uc.sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if audio != nil {
		if err := uc.storage.Delete(ctx, audio.StorageKey); err != nil {
			slog.Warn("audio_object_delete_failed", "session_id", sessionID, "storage_key", audio.StorageKey, "error", err)
		}
	}
	return nil
}

func (uc *SessionUseCase) Dashboard(ctx context.Context, ownerID string) (domain.DashboardStats, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.DashboardStats{}, domain.WrapError(domain.ErrInvalidInput, "dashboard", errors.New("owner_id is required"))
	}
	stats, err := uc.sessions.Stats(ctx, ownerID, domain.WeekStart(uc.now()))
	if err != nil {
		return domain.DashboardStats{}, fmt.Errorf("dashboard stats: %w", err)
	}
	return stats, nil
}

// StatusCounts returns dashboard counters for ownerID, or for every owner when ownerID is empty.
func (uc *SessionUseCase) StatusCounts(ctx context.Context, ownerID string) (domain.DashboardStats, error) {
	stats, err := uc.sessions.Stats(ctx, strings.TrimSpace(ownerID), domain.WeekStart(uc.now()))
	if err != nil {
		return domain.DashboardStats{}, fmt.Errorf("status counts: %w", err)
	}
	return stats, nil
}
