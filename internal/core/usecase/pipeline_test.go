package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	memqueue "github.com/kirillkom/session-pipeline/internal/infrastructure/queue/memory"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/session-pipeline/internal/worker"
)

func runPipeline(t *testing.T, f *fixture, prepare func()) (*domain.Session, *memqueue.Queue) {
	t.Helper()
	queue := memqueue.New(32, 2)
	t.Cleanup(queue.Close)
	f.wire(queue)

	policy := resilience.NewStagePolicy(resilience.StagePolicyConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	})
	dispatcher := worker.NewDispatcher(f.transcription, f.report, policy, worker.Options{StageTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = queue.Consume(ctx, dispatcher.Handle) }()

	session := f.createSession(t)
	if prepare != nil {
		prepare()
	}
	f.upload(t, session.ID, "opus-bytes")

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := queue.WaitIdle(waitCtx); err != nil {
		t.Fatalf("pipeline did not settle: %v", err)
	}
	return session, queue
}

func TestPipelineEndToEnd(t *testing.T) {
	f := newFixture(t)
	session, _ := runPipeline(t, f, nil)

	view, err := f.sessions.View(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
	if view.Session.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", view.Session.Status)
	}
	if view.Transcript.WordCount == 0 || len(view.Report.KeyPoints) == 0 || len(view.Report.TreatmentPlan) == 0 {
		t.Fatalf("unexpected projection %+v", view)
	}
	history := f.store.StatusHistory(session.ID)
	want := []domain.SessionStatus{domain.SessionEmpty, domain.SessionTranscribing, domain.SessionAnalyzing, domain.SessionCompleted}
	if len(history) != len(want) {
		t.Fatalf("unexpected history %v", history)
	}
	for i := range want {
		if history[i] != want[i] {
			t.Fatalf("unexpected history %v", history)
		}
	}
}

func TestPipelineRecoversFromTransientFailuresWithinBudget(t *testing.T) {
	f := newFixture(t)
	session, _ := runPipeline(t, f, func() {
		f.transcriber.errs = []error{errTransient, errTransient}
	})

	if f.transcriber.callCount() != 3 {
		t.Fatalf("expected 3 provider calls, got %d", f.transcriber.callCount())
	}
	if got := f.transcript(t, session.ID).Status; got != domain.TranscriptCompleted {
		t.Fatalf("expected completed transcript, got %s", got)
	}
	for _, status := range f.store.StatusHistory(session.ID) {
		if status == domain.SessionFailed {
			t.Fatalf("session observed failed: %v", f.store.StatusHistory(session.ID))
		}
	}
	if got := f.session(t, session.ID).Status; got != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestPipelineExhaustionFailsSession(t *testing.T) {
	f := newFixture(t)
	session, _ := runPipeline(t, f, func() {
		f.transcriber.errs = []error{errTransient, errTransient, errTransient, errTransient}
	})

	if f.transcriber.callCount() != 3 {
		t.Fatalf("expected 3 provider calls, got %d", f.transcriber.callCount())
	}
	got := f.session(t, session.ID)
	if got.Status != domain.SessionFailed || got.LastErrorStage != domain.ErrorStageTranscription {
		t.Fatalf("unexpected session %+v", got)
	}
	if f.transcript(t, session.ID).Status != domain.TranscriptFailed {
		t.Fatalf("expected failed transcript")
	}
	if f.generator.callCount() != 0 {
		t.Fatalf("report provider must not run")
	}
}
