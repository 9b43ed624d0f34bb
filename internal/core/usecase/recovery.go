package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
)

type RecoveryUseCase struct {
	sessions    ports.SessionRepository
	coordinator *Coordinator
	now         func() time.Time
}

func NewRecoveryUseCase(sessions ports.SessionRepository, coordinator *Coordinator) *RecoveryUseCase {
	return &RecoveryUseCase{
		sessions:    sessions,
		coordinator: coordinator,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Reclaim re-enqueues sessions left in transcribing or analyzing for longer than olderThan.
func (uc *RecoveryUseCase) Reclaim(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Task, error) {
	if olderThan < 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "reclaim", fmt.Errorf("negative age %s", olderThan))
	}
	if limit <= 0 {
		limit = 100
	}
	stuck, err := uc.sessions.ListSessionsByStatus(
		ctx,
		[]domain.SessionStatus{domain.SessionTranscribing, domain.SessionAnalyzing},
		uc.now().Add(-olderThan),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck sessions: %w", err)
	}

	tasks := make([]domain.Task, 0, len(stuck))
	for _, session := range stuck {
		stage := domain.StageTranscription
		if session.Status == domain.SessionAnalyzing {
			stage = domain.StageReport
		}
		if err := uc.coordinator.Enqueue(ctx, stage, session.ID); err != nil {
			return tasks, err
		}
		slog.Info("session_reclaimed", "session_id", session.ID, "status", session.Status, "stage", stage)
		tasks = append(tasks, domain.NewTask(stage, session.ID))
	}
	return tasks, nil
}

// Requeue schedules stage for one session after checking it exists.
func (uc *RecoveryUseCase) Requeue(ctx context.Context, stage domain.Stage, sessionID string) error {
	if !stage.Valid() {
		return domain.WrapError(domain.ErrInvalidInput, "requeue", fmt.Errorf("unknown stage %q", stage))
	}
	if _, err := uc.sessions.GetSession(ctx, sessionID); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return uc.coordinator.Enqueue(ctx, stage, sessionID)
}
