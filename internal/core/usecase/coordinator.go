package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
)

// Coordinator schedules pipeline stages. Stage guards make repeated enqueues harmless.
type Coordinator struct {
	queue ports.TaskQueue
}

func NewCoordinator(queue ports.TaskQueue) *Coordinator {
	return &Coordinator{queue: queue}
}

func (c *Coordinator) EnqueueTranscription(ctx context.Context, sessionID string) error {
	return c.enqueue(ctx, domain.StageTranscription, sessionID)
}

func (c *Coordinator) EnqueueReport(ctx context.Context, sessionID string) error {
	return c.enqueue(ctx, domain.StageReport, sessionID)
}

// Enqueue schedules stage for sessionID at its first attempt.
func (c *Coordinator) Enqueue(ctx context.Context, stage domain.Stage, sessionID string) error {
	return c.enqueue(ctx, stage, sessionID)
}

func (c *Coordinator) enqueue(ctx context.Context, stage domain.Stage, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "enqueue "+string(stage), fmt.Errorf("session id is required"))
	}
	if err := c.queue.Enqueue(ctx, domain.NewTask(stage, sessionID)); err != nil {
		return fmt.Errorf("enqueue %s for session %s: %w", stage, sessionID, err)
	}
	return nil
}
