package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

// AudioUpload is the incoming audio for one upload episode.
type AudioUpload struct {
	SessionID    string
	Filename     string
	LanguageHint string
	Body         io.Reader
}

// PipelineCoordinator is the pipeline entry point.
type PipelineCoordinator interface {
	EnqueueTranscription(ctx context.Context, sessionID string) error
	EnqueueReport(ctx context.Context, sessionID string) error
}

// AudioIngestor handles upload and replacement of session audio.
type AudioIngestor interface {
	Upload(ctx context.Context, in AudioUpload) (*domain.Audio, error)
	Replace(ctx context.Context, in AudioUpload) (*domain.Audio, error)
}

// StageRunner executes one attempt of a pipeline stage.
type StageRunner interface {
	Run(ctx context.Context, sessionID string, attempt domain.Attempt) domain.StageResult
}

// SessionService manages sessions and their projections.
type SessionService interface {
	Create(ctx context.Context, ownerID, subjectID string) (*domain.Session, error)
	View(ctx context.Context, sessionID string) (*domain.SessionView, error)
	Delete(ctx context.Context, sessionID string) error
	Dashboard(ctx context.Context, ownerID string) (domain.DashboardStats, error)
}

// ReportNotesEditor updates therapist-authored notes.
type ReportNotesEditor interface {
	UpdateNotes(ctx context.Context, sessionID, notes string) (*domain.Report, error)
}

// ReportExporter renders a completed report as a workbook.
type ReportExporter interface {
	Export(ctx context.Context, sessionID string, w io.Writer) error
}

// Reclaimer re-enqueues sessions stuck in an in-flight status.
type Reclaimer interface {
	Reclaim(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Task, error)
}
