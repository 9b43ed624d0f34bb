package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

type reclaimerFake struct {
	calls     atomic.Int32
	olderThan atomic.Int64
	err       error
}

func (f *reclaimerFake) Reclaim(_ context.Context, olderThan time.Duration, _ int) ([]domain.Task, error) {
	f.calls.Add(1)
	f.olderThan.Store(int64(olderThan))
	if f.err != nil {
		return nil, f.err
	}
	return []domain.Task{domain.NewTask(domain.StageReport, "s-1")}, nil
}

func TestRunReclaimerTicksUntilCancelled(t *testing.T) {
	fake := &reclaimerFake{err: errors.New("db down")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunReclaimer(ctx, fake, ReclaimOptions{Interval: 5 * time.Millisecond, OlderThan: time.Minute})
	}()

	deadline := time.After(2 * time.Second)
	for fake.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("reclaimer did not keep ticking after an error")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunReclaimer() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("reclaimer did not stop on cancel")
	}
	if time.Duration(fake.olderThan.Load()) != time.Minute {
		t.Fatalf("unexpected older-than %s", time.Duration(fake.olderThan.Load()))
	}
}

func TestRunReclaimerDisabledWithoutInterval(t *testing.T) {
	fake := &reclaimerFake{}
	if err := RunReclaimer(context.Background(), fake, ReclaimOptions{}); err != nil {
		t.Fatalf("RunReclaimer() error = %v", err)
	}
	if fake.calls.Load() != 0 {
		t.Fatalf("expected no reclaim calls")
	}
}
