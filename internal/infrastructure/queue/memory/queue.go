// Package memory runs stage tasks on an in-process worker pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
)

var ErrQueueClosed = errors.New("queue closed")

type Queue struct {
	tasks   chan domain.Task
	workers int

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
	done   chan struct{}

	pending atomic.Int64
}

func New(buffer, workers int) *Queue {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 2
	}
	return &Queue{
		tasks:   make(chan domain.Task, buffer),
		workers: workers,
		timers:  make(map[*time.Timer]struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue schedules task, honoring NotBefore with a timer.
func (q *Queue) Enqueue(ctx context.Context, task domain.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.WrapError(domain.ErrTemporary, "enqueue task", ErrQueueClosed)
	}
	q.pending.Add(1)

	if delay := time.Until(task.NotBefore); delay > 0 {
		var timer *time.Timer
		timer = time.AfterFunc(delay, func() {
			q.mu.Lock()
			delete(q.timers, timer)
			q.mu.Unlock()
			if err := q.push(context.Background(), task); err != nil {
				q.pending.Add(-1)
			}
		})
		q.timers[timer] = struct{}{}
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	if err := q.push(ctx, task); err != nil {
		q.pending.Add(-1)
		return err
	}
	return nil
}

func (q *Queue) push(ctx context.Context, task domain.Task) error {
	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return domain.WrapError(domain.ErrTemporary, "enqueue task", ErrQueueClosed)
	case <-ctx.Done():
		return fmt.Errorf("enqueue task: %w", ctx.Err())
	}
}

// Consume runs handler on the worker pool until ctx is done.
func (q *Queue) Consume(ctx context.Context, handler ports.TaskHandler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-q.done:
					return nil
				case task := <-q.tasks:
					q.handle(gctx, task, handler)
				}
			}
		})
	}
	return g.Wait()
}

func (q *Queue) handle(ctx context.Context, task domain.Task, handler ports.TaskHandler) {
	defer q.pending.Add(-1)

	result := handler(ctx, task)
	if !result.Retryable {
		return
	}
	next := task.Retry(result.RetryAfter)
	if err := q.Enqueue(context.WithoutCancel(ctx), next); err != nil {
		slog.Error("retry_enqueue_failed",
			"stage", task.Stage,
			"session_id", task.SessionID,
			"attempt", next.Attempt,
			"error", err,
		)
	}
}

// Pending counts queued, delayed and running tasks.
func (q *Queue) Pending() int64 {
	return q.pending.Load()
}

// WaitIdle blocks until no task is queued, delayed or running.
func (q *Queue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for timer := range q.timers {
		if timer.Stop() {
			q.pending.Add(-1)
		}
	}
	q.timers = map[*time.Timer]struct{}{}
	close(q.done)
}
