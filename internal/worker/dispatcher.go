// Package worker routes queued stage tasks to their stage runners.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
)

// RetryPolicy bounds stage attempts and spaces out queued retries.
type RetryPolicy interface {
	MaxAttempts() int
	Delay(attempt int) time.Duration
}

type StageMetrics interface {
	StartStage(stage string)
	FinishStage(stage, outcome string, duration time.Duration)
	RecordRetry(stage, reason string)
	ObserveQueueLag(stage string, lag time.Duration)
}

type Dispatcher struct {
	runners      map[domain.Stage]ports.StageRunner
	policy       RetryPolicy
	stageTimeout time.Duration
	metrics      StageMetrics
	logger       *slog.Logger
}

type Options struct {
	StageTimeout time.Duration
	Metrics      StageMetrics
	Logger       *slog.Logger
}

func NewDispatcher(transcription, report ports.StageRunner, policy RetryPolicy, options Options) *Dispatcher {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runners: map[domain.Stage]ports.StageRunner{
			domain.StageTranscription: transcription,
			domain.StageReport:        report,
		},
		policy:       policy,
		stageTimeout: options.StageTimeout,
		metrics:      options.Metrics,
		logger:       logger,
	}
}

// Handle runs one task and decides whether the queue reschedules it.
func (d *Dispatcher) Handle(ctx context.Context, task domain.Task) (result domain.StageResult) {
	runner, ok := d.runners[task.Stage]
	if !ok || runner == nil {
		d.logger.Error("unknown_stage", "stage", task.Stage, "session_id", task.SessionID)
		return domain.StageResult{
			SessionID: task.SessionID,
			Stage:     task.Stage,
			Err:       domain.WrapError(domain.ErrInvalidInput, "dispatch", fmt.Errorf("unknown stage %q", task.Stage)),
		}
	}

	attempt := domain.Attempt{Number: task.Attempt, Max: d.policy.MaxAttempts()}
	if attempt.Number <= 0 {
		attempt.Number = 1
	}

	started := time.Now()
	stage := string(task.Stage)
	if d.metrics != nil {
		d.metrics.ObserveQueueLag(stage, started.Sub(queuedAt(task)))
		d.metrics.StartStage(stage)
	}

	runCtx := ctx
	if d.stageTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.stageTimeout)
		defer cancel()
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			result = domain.StageResult{
				SessionID: task.SessionID,
				Stage:     task.Stage,
				Reason:    domain.ReasonProviderError,
				Retryable: !attempt.IsFinal(),
				Err:       fmt.Errorf("stage panic: %v", recovered),
			}
			d.logger.Error("stage_panic", "stage", stage, "session_id", task.SessionID, "panic", recovered)
		}
		result = d.schedule(result, attempt)
		d.finish(task, attempt, result, time.Since(started))
	}()

	return runner.Run(runCtx, task.SessionID, attempt)
}

// schedule clamps retry decisions to the attempt budget and fills in the backoff delay.
func (d *Dispatcher) schedule(result domain.StageResult, attempt domain.Attempt) domain.StageResult {
	if !result.Retryable {
		return result
	}
	if attempt.IsFinal() {
		result.Retryable = false
		return result
	}
	if result.RetryAfter <= 0 {
		result.RetryAfter = d.policy.Delay(attempt.Number)
	}
	return result
}

func (d *Dispatcher) finish(task domain.Task, attempt domain.Attempt, result domain.StageResult, duration time.Duration) {
	outcome := result.Outcome()
	stage := string(task.Stage)
	if d.metrics != nil {
		d.metrics.FinishStage(stage, outcome, duration)
		if result.Retryable {
			d.metrics.RecordRetry(stage, result.Reason)
		}
	}

	attrs := []any{
		"session_id", task.SessionID,
		"stage", stage,
		"attempt", attempt.Number,
		"max_attempts", attempt.Max,
		"outcome", outcome,
		"reason", result.Reason,
		"duration_ms", duration.Milliseconds(),
	}
	switch {
	case result.Err != nil && !result.Retryable:
		d.logger.Error("stage_finished", append(attrs, "error", result.Err)...)
	case result.Err != nil:
		d.logger.Warn("stage_finished", append(attrs, "error", result.Err, "retry_after_ms", result.RetryAfter.Milliseconds())...)
	default:
		d.logger.Info("stage_finished", attrs...)
	}
}

func queuedAt(task domain.Task) time.Time {
	if task.NotBefore.After(task.EnqueuedAt) {
		return task.NotBefore
	}
	return task.EnqueuedAt
}
