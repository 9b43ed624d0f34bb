// Package memory keeps pipeline state in process for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

// Store implements the session, transcript and report repositories behind one mutex.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]domain.Session
	audio       map[string]domain.Audio
	transcripts map[string]domain.Transcript
	reports     map[string]domain.Report
	history     map[string][]domain.SessionStatus
	revision    uint64
	now         func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions:    make(map[string]domain.Session),
		audio:       make(map[string]domain.Audio),
		transcripts: make(map[string]domain.Transcript),
		reports:     make(map[string]domain.Report),
		history:     make(map[string][]domain.SessionStatus),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Revision counts committed mutations.
func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// StatusHistory returns every status the session has held, in order.
func (s *Store) StatusHistory(sessionID string) []domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SessionStatus(nil), s.history[sessionID]...)
}

func (s *Store) setStatusLocked(session *domain.Session, status domain.SessionStatus, now time.Time) {
	session.Status = status
	session.UpdatedAt = now
	s.history[session.ID] = append(s.history[session.ID], status)
}

func (s *Store) CreateSession(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return domain.WrapError(domain.ErrConflict, "insert session", fmt.Errorf("id=%s", session.ID))
	}
	s.sessions[session.ID] = *session
	s.history[session.ID] = []domain.SessionStatus{session.Status}
	s.revision++
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "get session", fmt.Errorf("id=%s", id))
	}
	return &session, nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return domain.WrapError(domain.ErrSessionNotFound, "delete session", fmt.Errorf("id=%s", id))
	}
	delete(s.sessions, id)
	delete(s.audio, id)
	delete(s.transcripts, id)
	delete(s.reports, id)
	s.revision++
	return nil
}

func (s *Store) GetAudio(_ context.Context, sessionID string) (*domain.Audio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	audio, ok := s.audio[sessionID]
	if !ok {
		return nil, domain.WrapError(domain.ErrAudioNotFound, "get audio", fmt.Errorf("session_id=%s", sessionID))
	}
	return &audio, nil
}

func (s *Store) AttachAudio(_ context.Context, audio *domain.Audio, replace bool) (*domain.Audio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[audio.SessionID]
	if !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "attach audio", fmt.Errorf("id=%s", audio.SessionID))
	}

	var previous *domain.Audio
	if existing, ok := s.audio[audio.SessionID]; ok {
		previous = &existing
	}
	switch {
	case previous != nil && !replace:
		return nil, domain.WrapError(domain.ErrConflict, "attach audio", fmt.Errorf("session %s already has audio; use replace", audio.SessionID))
	case previous == nil && replace:
		return nil, domain.WrapError(domain.ErrInvalidInput, "replace audio", fmt.Errorf("session %s has no audio to replace", audio.SessionID))
	}

	now := s.now()
	s.audio[audio.SessionID] = *audio

	session.LastErrorStage = domain.ErrorStageNone
	session.LastErrorMessage = ""
	s.setStatusLocked(&session, domain.SessionTranscribing, now)
	s.sessions[session.ID] = session

	if transcript, ok := s.transcripts[audio.SessionID]; ok {
		transcript.Status = domain.TranscriptPending
		transcript.AudioID = ""
		transcript.RawText = ""
		transcript.CleanedText = ""
		transcript.WordCount = 0
		transcript.ModelID = ""
		transcript.UpdatedAt = now
		s.transcripts[audio.SessionID] = transcript
	}
	if report, ok := s.reports[audio.SessionID]; ok {
		report.Status = domain.ReportDraft
		report.AudioID = ""
		report.Summary = ""
		report.KeyPoints = []string{}
		report.RiskFlags = []domain.RiskFlag{}
		report.TreatmentPlan = []string{}
		report.ModelID = ""
		report.UpdatedAt = now
		s.reports[audio.SessionID] = report
	}

	s.revision++
	return previous, nil
}

func (s *Store) AdvanceStatus(_ context.Context, id string, to domain.SessionStatus, from ...domain.SessionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(from) == 0 {
		from = domain.StatusesBefore(to)
	}
	return s.advanceLocked(id, to, from), nil
}

func (s *Store) advanceLocked(id string, to domain.SessionStatus, from []domain.SessionStatus) bool {
	session, ok := s.sessions[id]
	if !ok || !containsStatus(from, session.Status) {
		return false
	}
	s.setStatusLocked(&session, to, s.now())
	s.sessions[id] = session
	s.revision++
	return true
}

func (s *Store) MarkSessionFailed(_ context.Context, id string, stage domain.ErrorStage, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markFailedLocked(id, stage, message)
	return nil
}

func (s *Store) markFailedLocked(id string, stage domain.ErrorStage, message string) {
	session, ok := s.sessions[id]
	if !ok || session.Status == domain.SessionCompleted {
		return
	}
	session.LastErrorStage = stage
	session.LastErrorMessage = domain.TruncateErrorMessage(message)
	s.setStatusLocked(&session, domain.SessionFailed, s.now())
	s.sessions[id] = session
	s.revision++
}

func (s *Store) ListSessionsByStatus(_ context.Context, statuses []domain.SessionStatus, updatedBefore time.Time, limit int) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Session, 0)
	for _, session := range s.sessions {
		if containsStatus(statuses, session.Status) && session.UpdatedAt.Before(updatedBefore) {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context, ownerID string, weekStart time.Time) (domain.DashboardStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := domain.DashboardStats{
		OwnerID:   ownerID,
		ByStatus:  make(map[domain.SessionStatus]int),
		WeekStart: weekStart,
	}
	for _, session := range s.sessions {
		if ownerID != "" && session.OwnerID != ownerID {
			continue
		}
		stats.ByStatus[session.Status]++
		stats.Total++
		if !session.CreatedAt.Before(weekStart) {
			stats.SessionsThisWeek++
		}
		if report, ok := s.reports[session.ID]; ok && report.Status == domain.ReportCompleted && !report.UpdatedAt.Before(weekStart) {
			stats.ReportsReadyThisWeek++
		}
	}
	return stats, nil
}

func (s *Store) GetTranscript(_ context.Context, sessionID string) (*domain.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	transcript, ok := s.transcripts[sessionID]
	if !ok {
		return nil, domain.WrapError(domain.ErrTranscriptNotFound, "get transcript", fmt.Errorf("session_id=%s", sessionID))
	}
	return &transcript, nil
}

func (s *Store) EnsureTranscript(_ context.Context, sessionID, language string) (*domain.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if transcript, ok := s.transcripts[sessionID]; ok {
		return &transcript, nil
	}
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "insert transcript", fmt.Errorf("id=%s", sessionID))
	}
	now := s.now()
	transcript := domain.Transcript{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Language:  language,
		Status:    domain.TranscriptTranscribing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.transcripts[sessionID] = transcript
	s.revision++
	return &transcript, nil
}

func (s *Store) BeginTranscription(_ context.Context, sessionID, audioID, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	transcript, ok := s.transcripts[sessionID]
	if !ok || transcript.Status == domain.TranscriptCompleted {
		return domain.WrapError(domain.ErrConflict, "begin transcription", fmt.Errorf("transcript for session %s is completed or missing", sessionID))
	}
	if current, ok := s.audio[sessionID]; !ok || current.ID != audioID {
		return domain.WrapError(domain.ErrConflict, "begin transcription", fmt.Errorf("audio %s is no longer current for session %s", audioID, sessionID))
	}
	transcript.Status = domain.TranscriptTranscribing
	transcript.AudioID = audioID
	transcript.Language = language
	transcript.UpdatedAt = s.now()
	s.transcripts[sessionID] = transcript
	s.revision++
	return nil
}

func (s *Store) CompleteTranscription(_ context.Context, sessionID, audioID string, result domain.TranscriptionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	transcript, ok := s.transcripts[sessionID]
	if !ok || transcript.AudioID != audioID || transcript.Status != domain.TranscriptTranscribing {
		return domain.WrapError(domain.ErrConflict, "complete transcription", fmt.Errorf("transcript for session %s superseded", sessionID))
	}
	transcript.RawText = result.RawText
	transcript.CleanedText = result.CleanedText
	transcript.Language = result.ResolvedLanguage
	transcript.WordCount = result.WordCount
	transcript.ModelID = result.ModelID
	transcript.Status = domain.TranscriptCompleted
	transcript.UpdatedAt = s.now()
	s.transcripts[sessionID] = transcript
	s.revision++

	s.advanceLocked(sessionID, domain.SessionAnalyzing, []domain.SessionStatus{
		domain.SessionEmpty, domain.SessionRecorded, domain.SessionTranscribing,
	})
	return nil
}

func (s *Store) FailTranscription(_ context.Context, sessionID, audioID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	transcript, ok := s.transcripts[sessionID]
	if !ok || transcript.AudioID != audioID || transcript.Status == domain.TranscriptCompleted {
		return domain.WrapError(domain.ErrConflict, "fail transcription", fmt.Errorf("transcript for session %s superseded", sessionID))
	}
	transcript.Status = domain.TranscriptFailed
	transcript.UpdatedAt = s.now()
	s.transcripts[sessionID] = transcript
	s.revision++

	s.markFailedLocked(sessionID, domain.ErrorStageTranscription, message)
	return nil
}

func (s *Store) GetReport(_ context.Context, sessionID string) (*domain.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.reports[sessionID]
	if !ok {
		return nil, domain.WrapError(domain.ErrReportNotFound, "get report", fmt.Errorf("session_id=%s", sessionID))
	}
	return cloneReport(report), nil
}

func (s *Store) ClaimReport(_ context.Context, sessionID string) (*domain.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "insert report", fmt.Errorf("id=%s", sessionID))
	}
	now := s.now()
	audioID := s.audio[sessionID].ID
	report, ok := s.reports[sessionID]
	switch {
	case !ok:
		report = domain.Report{
			ID:            uuid.NewString(),
			SessionID:     sessionID,
			AudioID:       audioID,
			KeyPoints:     []string{},
			RiskFlags:     []domain.RiskFlag{},
			TreatmentPlan: []string{},
			Status:        domain.ReportProcessing,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.reports[sessionID] = report
		s.revision++
	case report.Status == domain.ReportDraft || report.Status == domain.ReportFailed:
		report.Status = domain.ReportProcessing
		report.AudioID = audioID
		report.UpdatedAt = now
		s.reports[sessionID] = report
		s.revision++
	}
	return cloneReport(report), nil
}

func (s *Store) CompleteReport(_ context.Context, sessionID, audioID string, generated domain.GeneratedReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.reports[sessionID]
	if !ok || report.Status != domain.ReportProcessing || report.AudioID != audioID {
		return domain.WrapError(domain.ErrConflict, "complete report", fmt.Errorf("report for session %s is no longer processing", sessionID))
	}
	generated = generated.Normalize()
	report.Summary = generated.Summary
	report.KeyPoints = generated.KeyPoints
	report.RiskFlags = generated.RiskFlags
	report.TreatmentPlan = generated.TreatmentPlan
	report.ModelID = generated.ModelID
	report.Status = domain.ReportCompleted
	report.UpdatedAt = s.now()
	s.reports[sessionID] = report
	s.revision++

	s.advanceLocked(sessionID, domain.SessionCompleted, []domain.SessionStatus{
		domain.SessionEmpty, domain.SessionRecorded, domain.SessionTranscribing, domain.SessionAnalyzing,
	})
	return nil
}

func (s *Store) FailReport(_ context.Context, sessionID, audioID string, markSession bool, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.reports[sessionID]
	if !ok || report.Status != domain.ReportProcessing || report.AudioID != audioID {
		return domain.WrapError(domain.ErrConflict, "fail report", fmt.Errorf("report for session %s is no longer processing", sessionID))
	}
	report.Status = domain.ReportFailed
	report.UpdatedAt = s.now()
	s.reports[sessionID] = report
	s.revision++

	if markSession {
		s.markFailedLocked(sessionID, domain.ErrorStageAnalysis, message)
	}
	return nil
}

func (s *Store) UpdateTherapistNotes(_ context.Context, sessionID, notes string) (*domain.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "update therapist notes", fmt.Errorf("id=%s", sessionID))
	}
	now := s.now()
	report, ok := s.reports[sessionID]
	if !ok {
		report = domain.Report{
			ID:            uuid.NewString(),
			SessionID:     sessionID,
			KeyPoints:     []string{},
			RiskFlags:     []domain.RiskFlag{},
			TreatmentPlan: []string{},
			Status:        domain.ReportDraft,
			CreatedAt:     now,
		}
	}
	report.TherapistNotes = notes
	report.UpdatedAt = now
	s.reports[sessionID] = report
	s.revision++
	return cloneReport(report), nil
}

func cloneReport(report domain.Report) *domain.Report {
	out := report
	out.KeyPoints = append([]string{}, report.KeyPoints...)
	out.RiskFlags = append([]domain.RiskFlag{}, report.RiskFlags...)
	out.TreatmentPlan = append([]string{}, report.TreatmentPlan...)
	return &out
}

func containsStatus(statuses []domain.SessionStatus, status domain.SessionStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}
