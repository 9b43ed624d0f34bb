package domain

import (
	"fmt"
	"time"
)

type Stage string

const (
	StageTranscription Stage = "transcription"
	StageReport        Stage = "report"
)

func (s Stage) Valid() bool {
	return s == StageTranscription || s == StageReport
}

func ParseStage(raw string) (Stage, error) {
	stage := Stage(raw)
	if !stage.Valid() {
		return "", WrapError(ErrInvalidInput, "parse stage", fmt.Errorf("unknown stage %q", raw))
	}
	return stage, nil
}

// Reasons carried by StageResult.
const (
	ReasonAlreadyCompleted       = "already_completed"
	ReasonSessionNotFound        = "session_not_found"
	ReasonNoAudio                = "no_audio"
	ReasonMissingTranscript      = "missing_transcript"
	ReasonTranscriptNotCompleted = "transcript_not_completed"
	ReasonProviderUnavailable    = "provider_unavailable"
	ReasonEmptyInput             = "empty_input"
	ReasonMalformedOutput        = "malformed_output"
	ReasonRetriesExhausted       = "retries_exhausted"
	ReasonSuperseded             = "superseded"
	ReasonProviderError          = "provider_error"
	ReasonEnqueueFailed          = "enqueue_failed"
)

// Task is one queued unit of stage work.
type Task struct {
	Stage      Stage     `json:"stage"`
	SessionID  string    `json:"session_id"`
	Attempt    int       `json:"attempt"`
	NotBefore  time.Time `json:"not_before,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewTask(stage Stage, sessionID string) Task {
	return Task{
		Stage:      stage,
		SessionID:  sessionID,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Retry returns the follow-up task for the next attempt after delay.
func (t Task) Retry(delay time.Duration) Task {
	now := time.Now().UTC()
	next := t
	next.Attempt = t.Attempt + 1
	next.EnqueuedAt = now
	next.NotBefore = now.Add(delay)
	return next
}

// Attempt is the dispatch position of a stage invocation within its retry budget.
type Attempt struct {
	Number int
	Max    int
}

func (a Attempt) IsFinal() bool {
	return a.Max <= 0 || a.Number >= a.Max
}

type StageResult struct {
	SessionID  string        `json:"session_id"`
	Stage      Stage         `json:"stage"`
	OK         bool          `json:"ok"`
	Skipped    bool          `json:"skipped"`
	Reason     string        `json:"reason,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Err        error         `json:"-"`
}

func (r StageResult) Outcome() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.OK:
		return "ok"
	case r.Retryable:
		return "retry"
	default:
		return "failed"
	}
}
