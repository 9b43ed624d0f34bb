package domain

import "time"

type SessionStatus string

const (
	SessionEmpty        SessionStatus = "empty"
	SessionRecorded     SessionStatus = "recorded"
	SessionTranscribing SessionStatus = "transcribing"
	SessionAnalyzing    SessionStatus = "analyzing"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
)

// ErrorStage names the pipeline step that left a session failed.
type ErrorStage string

const (
	ErrorStageNone          ErrorStage = ""
	ErrorStageTranscription ErrorStage = "transcription"
	ErrorStageAnalysis      ErrorStage = "analysis"
	ErrorStageNoAudio       ErrorStage = "no_audio"
)

const MaxErrorMessageLen = 500

var sessionRank = map[SessionStatus]int{
	SessionEmpty:        0,
	SessionRecorded:     1,
	SessionTranscribing: 2,
	SessionAnalyzing:    3,
	SessionCompleted:    4,
}

func (s SessionStatus) Valid() bool {
	if s == SessionFailed {
		return true
	}
	_, ok := sessionRank[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next keeps the status forward-only.
// Failed is reachable from every non-terminal state; completed never regresses.
func (s SessionStatus) CanAdvanceTo(next SessionStatus) bool {
	if s == SessionCompleted {
		return false
	}
	if next == SessionFailed {
		return s != SessionFailed
	}
	if s == SessionFailed {
		return false
	}
	from, ok := sessionRank[s]
	if !ok {
		return false
	}
	to, ok := sessionRank[next]
	if !ok {
		return false
	}
	return to > from
}

// StatusesBefore lists the statuses that may advance to target.
func StatusesBefore(target SessionStatus) []SessionStatus {
	out := make([]SessionStatus, 0, len(sessionRank))
	for _, status := range []SessionStatus{SessionEmpty, SessionRecorded, SessionTranscribing, SessionAnalyzing, SessionCompleted} {
		if status.CanAdvanceTo(target) {
			out = append(out, status)
		}
	}
	return out
}

// IsPreProcessing reports whether the session has not entered transcription yet.
func (s SessionStatus) IsPreProcessing() bool {
	return s == SessionEmpty || s == SessionRecorded
}

// InFlight reports whether a stage is expected to be running for the session.
func (s SessionStatus) InFlight() bool {
	return s == SessionTranscribing || s == SessionAnalyzing
}

type Session struct {
	ID               string        `json:"id"`
	OwnerID          string        `json:"owner_id"`
	SubjectID        string        `json:"subject_id"`
	Status           SessionStatus `json:"status"`
	LastErrorStage   ErrorStage    `json:"last_error_stage,omitempty"`
	LastErrorMessage string        `json:"last_error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type Audio struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	StorageKey   string    `json:"storage_key"`
	Filename     string    `json:"filename"`
	LanguageHint string    `json:"language_hint,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
}

// TruncateErrorMessage caps err text at MaxErrorMessageLen bytes on a rune boundary.
func TruncateErrorMessage(msg string) string {
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	cut := MaxErrorMessageLen
	for cut > 0 && !isRuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
