package domain

import (
	"strings"
	"testing"
	"time"
)

func TestSessionStatusForwardOnly(t *testing.T) {
	cases := []struct {
		from SessionStatus
		to   SessionStatus
		want bool
	}{
		{SessionEmpty, SessionTranscribing, true},
		{SessionRecorded, SessionTranscribing, true},
		{SessionTranscribing, SessionAnalyzing, true},
		{SessionAnalyzing, SessionCompleted, true},
		{SessionTranscribing, SessionCompleted, true},
		{SessionAnalyzing, SessionTranscribing, false},
		{SessionTranscribing, SessionTranscribing, false},
		{SessionCompleted, SessionFailed, false},
		{SessionCompleted, SessionAnalyzing, false},
		{SessionAnalyzing, SessionFailed, true},
		{SessionFailed, SessionFailed, false},
		{SessionFailed, SessionAnalyzing, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanAdvanceTo(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestStatusesBeforeFailedExcludesCompleted(t *testing.T) {
	for _, status := range StatusesBefore(SessionFailed) {
		if status == SessionCompleted || status == SessionFailed {
			t.Fatalf("unexpected status %s in failed predecessors", status)
		}
	}
	before := StatusesBefore(SessionTranscribing)
	if len(before) != 2 || before[0] != SessionEmpty || before[1] != SessionRecorded {
		t.Fatalf("unexpected transcribing predecessors: %v", before)
	}
}

func TestTruncateErrorMessageKeepsRuneBoundary(t *testing.T) {
	msg := strings.Repeat("a", MaxErrorMessageLen-1) + "ééé"
	got := TruncateErrorMessage(msg)
	if len(got) > MaxErrorMessageLen {
		t.Fatalf("expected at most %d bytes, got %d", MaxErrorMessageLen, len(got))
	}
	if !strings.HasSuffix(got, "a") {
		t.Fatalf("expected cut before multi-byte rune, got suffix %q", got[len(got)-2:])
	}
	if TruncateErrorMessage("short") != "short" {
		t.Fatalf("short message must be kept")
	}
}

func TestWeekStartIsMonday(t *testing.T) {
	sunday := time.Date(2026, time.October, 18, 15, 4, 0, 0, time.UTC)
	got := WeekStart(sunday)
	want := time.Date(2026, time.October, 12, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if !WeekStart(want).Equal(want) {
		t.Fatalf("monday must map to itself")
	}
}

func TestTaskRetryAdvancesAttempt(t *testing.T) {
	task := NewTask(StageTranscription, "s-1")
	next := task.Retry(2 * time.Second)
	if next.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", next.Attempt)
	}
	if !next.NotBefore.After(task.EnqueuedAt) {
		t.Fatalf("expected not_before in the future")
	}
	if (Attempt{Number: 3, Max: 3}).IsFinal() != true || (Attempt{Number: 2, Max: 3}).IsFinal() {
		t.Fatalf("unexpected IsFinal results")
	}
}
