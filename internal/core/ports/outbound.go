package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

// SessionRepository persists sessions and their audio.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
	GetAudio(ctx context.Context, sessionID string) (*domain.Audio, error)
	// AttachAudio locks the session row, stores audio and resets the session into transcribing.
	// It returns the audio it replaced, if any.
	AttachAudio(ctx context.Context, audio *domain.Audio, replace bool) (*domain.Audio, error)
	// AdvanceStatus moves the session to status only when the current status is in from.
	AdvanceStatus(ctx context.Context, id string, to domain.SessionStatus, from ...domain.SessionStatus) (bool, error)
	MarkSessionFailed(ctx context.Context, id string, stage domain.ErrorStage, message string) error
	ListSessionsByStatus(ctx context.Context, statuses []domain.SessionStatus, updatedBefore time.Time, limit int) ([]domain.Session, error)
	Stats(ctx context.Context, ownerID string, weekStart time.Time) (domain.DashboardStats, error)
}

// TranscriptRepository persists transcript state.
type TranscriptRepository interface {
	GetTranscript(ctx context.Context, sessionID string) (*domain.Transcript, error)
	// EnsureTranscript inserts a transcribing transcript or returns the existing one.
	EnsureTranscript(ctx context.Context, sessionID, language string) (*domain.Transcript, error)
	// BeginTranscription binds a non-completed transcript to audioID and marks it transcribing.
	// It fails with ErrConflict when the transcript is completed or audioID is no longer the session's audio.
	BeginTranscription(ctx context.Context, sessionID, audioID, language string) error
	// CompleteTranscription stores the result and advances the session to analyzing in one transaction.
	// It fails with ErrConflict when the transcript no longer belongs to audioID.
	CompleteTranscription(ctx context.Context, sessionID, audioID string, result domain.TranscriptionResult) error
	// FailTranscription marks the transcript and the session failed unless audioID was superseded.
	FailTranscription(ctx context.Context, sessionID, audioID, message string) error
}

// ReportRepository persists report state.
type ReportRepository interface {
	GetReport(ctx context.Context, sessionID string) (*domain.Report, error)
	// ClaimReport upserts the report and flips draft or failed rows to processing,
	// binding the claimed row to the session's current audio.
	ClaimReport(ctx context.Context, sessionID string) (*domain.Report, error)
	// CompleteReport stores generated fields and completes the session in one transaction.
	// Both CompleteReport and FailReport fail with ErrConflict unless the row is processing for audioID.
	CompleteReport(ctx context.Context, sessionID, audioID string, generated domain.GeneratedReport) error
	FailReport(ctx context.Context, sessionID, audioID string, markSession bool, message string) error
	UpdateTherapistNotes(ctx context.Context, sessionID, notes string) (*domain.Report, error)
}

// ObjectStorage stores session audio.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// TaskQueue schedules stage work.
type TaskQueue interface {
	Enqueue(ctx context.Context, task domain.Task) error
}

// TaskHandler runs one delivered task.
type TaskHandler func(ctx context.Context, task domain.Task) domain.StageResult

// TaskConsumer delivers tasks to a handler until ctx is done, rescheduling retryable results.
type TaskConsumer interface {
	Consume(ctx context.Context, handler TaskHandler) error
}

// Transcriber converts an audio file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, language string) (domain.TranscriptionResult, error)
}

// ReportWorkbook renders a session report as a spreadsheet.
type ReportWorkbook interface {
	Write(w io.Writer, view domain.SessionView) error
}

// ReportGenerator produces a structured clinical summary.
type ReportGenerator interface {
	Generate(ctx context.Context, req domain.ReportRequest) (domain.GeneratedReport, error)
}
