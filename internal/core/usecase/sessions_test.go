package usecase

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

func TestCreateSessionValidatesInput(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sessions.Create(context.Background(), " ", "patient-1"); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	session := f.createSession(t)
	if session.Status != domain.SessionEmpty || session.ID == "" {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestViewAssemblesProjection(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)

	view, err := f.sessions.View(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
	if view.Audio != nil || view.Transcript != nil || view.Report != nil {
		t.Fatalf("fresh session must have no children: %+v", view)
	}

	session = transcribedSession(t, f, "")
	f.report.Run(context.Background(), session.ID, attempt(1))
	view, err = f.sessions.View(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
	if view.Audio == nil || view.Transcript == nil || view.Report == nil || view.Session.Status != domain.SessionCompleted {
		t.Fatalf("unexpected projection %+v", view)
	}

	if _, err := f.sessions.View(context.Background(), "missing"); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDeleteRemovesRowsAndAudioObject(t *testing.T) {
	f := newFixture(t)
	session := f.createSession(t)
	audio := f.upload(t, session.ID, "opus-bytes")

	if err := f.sessions.Delete(context.Background(), session.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := f.store.GetSession(context.Background(), session.ID); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("session must be gone, got %v", err)
	}
	if _, err := f.storage.Open(context.Background(), audio.StorageKey); !domain.IsKind(err, domain.ErrAudioNotFound) {
		t.Fatalf("audio object must be gone, got %v", err)
	}
}

func TestDashboardCountsCurrentWeek(t *testing.T) {
	f := newFixture(t)
	done := transcribedSession(t, f, "")
	f.report.Run(context.Background(), done.ID, attempt(1))
	f.createSession(t)
	if _, err := f.sessions.Create(context.Background(), "someone-else", "patient-9"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	stats, err := f.sessions.Dashboard(context.Background(), "therapist-1")
	if err != nil {
		t.Fatalf("Dashboard() error = %v", err)
	}
	if stats.Total != 2 || stats.SessionsThisWeek != 2 || stats.ReportsReadyThisWeek != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.ByStatus[domain.SessionCompleted] != 1 || stats.ByStatus[domain.SessionEmpty] != 1 {
		t.Fatalf("unexpected status counts %+v", stats.ByStatus)
	}
	if stats.WeekStart.Weekday() != time.Monday {
		t.Fatalf("week must start on Monday, got %s", stats.WeekStart.Weekday())
	}
}

func TestStatusCountsSpansOwners(t *testing.T) {
	f := newFixture(t)
	f.createSession(t)
	if _, err := f.sessions.Create(context.Background(), "someone-else", "patient-9"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	stats, err := f.sessions.StatusCounts(context.Background(), "")
	if err != nil {
		t.Fatalf("StatusCounts() error = %v", err)
	}
	if stats.Total != 2 || stats.ByStatus[domain.SessionEmpty] != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if _, err := f.sessions.Dashboard(context.Background(), " "); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("Dashboard without owner expected ErrInvalidInput, got %v", err)
	}
}

func TestUpdateNotes(t *testing.T) {
	f := newFixture(t)
	notes := NewNotesUseCase(f.store, f.store)
	session := f.createSession(t)

	report, err := notes.UpdateNotes(context.Background(), session.ID, "first note")
	if err != nil {
		t.Fatalf("UpdateNotes() error = %v", err)
	}
	if report.TherapistNotes != "first note" || report.Status != domain.ReportDraft {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, err := notes.UpdateNotes(context.Background(), "missing", "x"); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := notes.UpdateNotes(context.Background(), session.ID, strings.Repeat("n", MaxTherapistNotesLen+1)); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStagesNeverOverwriteNotes(t *testing.T) {
	f := newFixture(t)
	notes := NewNotesUseCase(f.store, f.store)
	session := transcribedSession(t, f, "")
	if _, err := notes.UpdateNotes(context.Background(), session.ID, "keep me"); err != nil {
		t.Fatalf("UpdateNotes() error = %v", err)
	}
	if result := f.report.Run(context.Background(), session.ID, attempt(1)); !result.OK {
		t.Fatalf("report failed: %+v", result)
	}
	report, _ := f.store.GetReport(context.Background(), session.ID)
	if report.TherapistNotes != "keep me" || report.Status != domain.ReportCompleted {
		t.Fatalf("unexpected report %+v", report)
	}
}

type workbookSpy struct {
	view *domain.SessionView
}

func (w *workbookSpy) Write(out io.Writer, view domain.SessionView) error {
	w.view = &view
	_, err := out.Write([]byte("xlsx"))
	return err
}

func TestExportRequiresCompletedReport(t *testing.T) {
	f := newFixture(t)
	spy := &workbookSpy{}
	exporter := NewExportUseCase(f.sessions, spy)
	session := transcribedSession(t, f, "")

	var buf bytes.Buffer
	if err := exporter.Export(context.Background(), session.ID, &buf); !domain.IsKind(err, domain.ErrReportNotFound) {
		t.Fatalf("expected ErrReportNotFound, got %v", err)
	}
	f.generator.errs = []error{errTransient}
	f.report.Run(context.Background(), session.ID, attempt(1))
	if err := exporter.Export(context.Background(), session.ID, &buf); !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for processing report, got %v", err)
	}

	f.report.Run(context.Background(), session.ID, attempt(2))
	if err := exporter.Export(context.Background(), session.ID, &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if buf.String() != "xlsx" || spy.view == nil || spy.view.Report.Status != domain.ReportCompleted {
		t.Fatalf("unexpected export %q %+v", buf.String(), spy.view)
	}
}

func TestReclaimRequeuesStuckSessionsByStage(t *testing.T) {
	f := newFixture(t)
	recovery := NewRecoveryUseCase(f.store, f.coordinator)
	recovery.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	stuckTranscription := f.createSession(t)
	f.upload(t, stuckTranscription.ID, "x")
	stuckReport := transcribedSession(t, f, "")
	idle := f.createSession(t)
	f.queue.tasks = nil

	tasks, err := recovery.Reclaim(context.Background(), 30*time.Minute, 10)
	if err != nil {
		t.Fatalf("Reclaim() error = %v", err)
	}
	stages := map[string]domain.Stage{}
	for _, task := range tasks {
		stages[task.SessionID] = task.Stage
	}
	if len(tasks) != 2 || stages[stuckTranscription.ID] != domain.StageTranscription || stages[stuckReport.ID] != domain.StageReport {
		t.Fatalf("unexpected reclaimed tasks %+v", tasks)
	}
	if _, ok := stages[idle.ID]; ok {
		t.Fatalf("idle session must not be reclaimed")
	}
	if len(f.queue.tasks) != 2 {
		t.Fatalf("expected two enqueued tasks, got %d", len(f.queue.tasks))
	}

	if err := recovery.Requeue(context.Background(), domain.StageReport, "missing"); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
