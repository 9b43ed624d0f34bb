package usecase

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

func requireScratchRemoved(t *testing.T, f *fixture) {
	t.Helper()
	if f.transcriber.lastPath == "" {
		t.Fatalf("provider never received a scratch path")
	}
	if _, err := os.Stat(f.transcriber.lastPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("scratch copy must be removed, stat err = %v", err)
	}
	entries, err := os.ReadDir(f.scratchDir)
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch dir must be empty, found %d entries", len(entries))
	}
}

func TestTranscriptionWithoutAudioFailsWithoutTranscriptRow(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)

	result := f.transcription.Run(context.Background(), session.ID, attempt(1))
	if result.Retryable || result.Reason != domain.ReasonNoAudio || result.OK {
		t.Fatalf("unexpected result %+v", result)
	}
	got := f.session(t, session.ID)
	if got.Status != domain.SessionFailed || got.LastErrorStage != domain.ErrorStageNoAudio {
		t.Fatalf("unexpected session %+v", got)
	}
	if _, err := f.store.GetTranscript(context.Background(), session.ID); !domain.IsKind(err, domain.ErrTranscriptNotFound) {
		t.Fatalf("expected no transcript row, got %v", err)
	}
	if f.transcriber.callCount() != 0 {
		t.Fatalf("provider must not be called")
	}
}

func TestTranscriptionMissingSessionIsSkipped(t *testing.T) {
	f := newFixture(t)
	result := f.transcription.Run(context.Background(), "missing", attempt(1))
	if !result.Skipped || result.Reason != domain.ReasonSessionNotFound || result.Err != nil {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestTranscriptionSuccessAdvancesToAnalyzingAndChainsReport(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)
	f.upload(t, session.ID, "opus-bytes")

	result := f.transcription.Run(context.Background(), session.ID, attempt(1))
	if !result.OK || result.Err != nil {
		t.Fatalf("unexpected result %+v", result)
	}

	transcript := f.transcript(t, session.ID)
	if transcript.Status != domain.TranscriptCompleted || transcript.WordCount == 0 {
		t.Fatalf("unexpected transcript %+v", transcript)
	}
	if transcript.CleanedText != "the client described trouble sleeping" {
		t.Fatalf("unexpected cleaned text %q", transcript.CleanedText)
	}
	if got := f.session(t, session.ID).Status; got != domain.SessionAnalyzing {
		t.Fatalf("expected analyzing, got %s", got)
	}
	if f.queue.count(domain.StageReport) != 1 {
		t.Fatalf("expected one report task, got %d", f.queue.count(domain.StageReport))
	}
	if f.transcriber.sawBytes != "opus-bytes" || f.transcriber.lastLang != "ar" {
		t.Fatalf("provider saw %q in %q", f.transcriber.sawBytes, f.transcriber.lastLang)
	}
	requireScratchRemoved(t, f)
}

func TestTranscriptionAlreadyCompletedSkipsProviderAndEnqueuesReportOnce(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)
	f.upload(t, session.ID, "opus-bytes")
	if result := f.transcription.Run(context.Background(), session.ID, attempt(1)); !result.OK {
		t.Fatalf("first run failed: %+v", result)
	}
	before := f.queue.count(domain.StageReport)

	result := f.transcription.Run(context.Background(), session.ID, attempt(1))
	if !result.Skipped || result.Reason != domain.ReasonAlreadyCompleted {
		t.Fatalf("unexpected result %+v", result)
	}
	if f.transcriber.callCount() != 1 {
		t.Fatalf("provider called %d times", f.transcriber.callCount())
	}
	if got := f.queue.count(domain.StageReport) - before; got != 1 {
		t.Fatalf("expected exactly one report enqueue, got %d", got)
	}
}

func TestTranscriptionAlreadyCompletedWithReportCompletesSession(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)
	f.upload(t, session.ID, "opus-bytes")
	f.transcription.Run(context.Background(), session.ID, attempt(1))
	if result := f.report.Run(context.Background(), session.ID, attempt(1)); !result.OK {
		t.Fatalf("report failed: %+v", result)
	}
	reportTasks := f.queue.count(domain.StageReport)

	result := f.transcription.Run(context.Background(), session.ID, attempt(1))
	if !result.Skipped || result.Reason != domain.ReasonAlreadyCompleted {
		t.Fatalf("unexpected result %+v", result)
	}
	if f.queue.count(domain.StageReport) != reportTasks {
		t.Fatalf("report must not be re-enqueued")
	}
	if got := f.session(t, session.ID).Status; got != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestTranscriptionTransientFailureIsRetryableUntilFinalAttempt(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)
	f.upload(t, session.ID, "opus-bytes")
	f.transcriber.errs = []error{errTransient, errTransient, errTransient}

	for n := 1; n <= 2; n++ {
		result := f.transcription.Run(context.Background(), session.ID, attempt(n))
		if !result.Retryable || result.Reason != domain.ReasonProviderError {
			t.Fatalf("attempt %d: unexpected result %+v", n, result)
		}
		if got := f.session(t, session.ID).Status; got != domain.SessionTranscribing {
			t.Fatalf("attempt %d: session must stay transcribing, got %s", n, got)
		}
		if got := f.transcript(t, session.ID).Status; got != domain.TranscriptTranscribing {
			t.Fatalf("attempt %d: transcript must stay transcribing, got %s", n, got)
		}
	}

	result := f.transcription.Run(context.Background(), session.ID, attempt(3))
	if result.Retryable || result.Reason != domain.ReasonRetriesExhausted {
		t.Fatalf("final attempt: unexpected result %+v", result)
	}
	got := f.session(t, session.ID)
	if got.Status != domain.SessionFailed || got.LastErrorStage != domain.ErrorStageTranscription || got.LastErrorMessage == "" {
		t.Fatalf("unexpected session %+v", got)
	}
	if f.transcript(t, session.ID).Status != domain.TranscriptFailed {
		t.Fatalf("transcript must be failed")
	}
	if f.transcriber.callCount() != 3 {
		t.Fatalf("expected 3 provider calls, got %d", f.transcriber.callCount())
	}
	requireScratchRemoved(t, f)
}

func TestTranscriptionProviderUnavailableFailsImmediately(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)
	f.upload(t, session.ID, "opus-bytes")
	f.transcriber.errs = []error{domain.WrapError(domain.ErrProviderUnavailable, "transcribe", errors.New("OPENAI_API_KEY is not set"))}

	result := f.transcription.Run(context.Background(), session.ID, attempt(1))
	if result.Retryable || result.Reason != domain.ReasonProviderUnavailable {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := f.session(t, session.ID); got.Status != domain.SessionFailed || got.LastErrorStage != domain.ErrorStageTranscription {
		t.Fatalf("unexpected session %+v", got)
	}
	requireScratchRemoved(t, f)
}

func TestTranscriptionEnqueueFailureIsRetriedThroughCompletedPath(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)
	f.upload(t, session.ID, "opus-bytes")
	f.queue.err = errors.New("queue down")

	result := f.transcription.Run(context.Background(), session.ID, attempt(1))
	if !result.Retryable || result.Reason != domain.ReasonEnqueueFailed {
		t.Fatalf("unexpected result %+v", result)
	}

	f.queue.err = nil
	result = f.transcription.Run(context.Background(), session.ID, attempt(2))
	if !result.Skipped || f.queue.count(domain.StageReport) != 1 || f.transcriber.callCount() != 1 {
		t.Fatalf("unexpected retry result %+v (report tasks %d, calls %d)", result, f.queue.count(domain.StageReport), f.transcriber.callCount())
	}
}
