package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
)

type ReportStage struct {
	sessions        ports.SessionRepository
	transcripts     ports.TranscriptRepository
	reports         ports.ReportRepository
	generator       ports.ReportGenerator
	defaultLanguage string
}

func NewReportStage(
	sessions ports.SessionRepository,
	transcripts ports.TranscriptRepository,
	reports ports.ReportRepository,
	generator ports.ReportGenerator,
	defaultLanguage string,
) *ReportStage {
	if strings.TrimSpace(defaultLanguage) == "" {
		defaultLanguage = "ar"
	}
	return &ReportStage{
		sessions:        sessions,
		transcripts:     transcripts,
		reports:         reports,
		generator:       generator,
		defaultLanguage: defaultLanguage,
	}
}

// Run executes one report attempt for sessionID.
func (s *ReportStage) Run(ctx context.Context, sessionID string, attempt domain.Attempt) domain.StageResult {
	result := domain.StageResult{SessionID: sessionID, Stage: domain.StageReport}

	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if domain.IsKind(err, domain.ErrSessionNotFound) {
			return skipped(result, domain.ReasonSessionNotFound)
		}
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("load session: %w", err))
	}

	existing, err := s.reports.GetReport(ctx, sessionID)
	switch {
	case err == nil && existing.Status == domain.ReportCompleted:
		return skipped(result, domain.ReasonAlreadyCompleted)
	case err != nil && !domain.IsKind(err, domain.ErrReportNotFound):
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("load report: %w", err))
	}

	claimed, err := s.reports.ClaimReport(ctx, sessionID)
	if err != nil {
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("claim report: %w", err))
	}
	if claimed.Status == domain.ReportCompleted {
		return skipped(result, domain.ReasonAlreadyCompleted)
	}

	transcript, err := s.transcripts.GetTranscript(ctx, sessionID)
	if err != nil {
		if domain.IsKind(err, domain.ErrTranscriptNotFound) {
			return s.businessFailure(ctx, result, claimed.AudioID, domain.ReasonMissingTranscript, errors.New("session has no transcript"))
		}
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("load transcript: %w", err))
	}
	if transcript.Status != domain.TranscriptCompleted {
		return s.businessFailure(ctx, result, claimed.AudioID, domain.ReasonTranscriptNotCompleted, fmt.Errorf("transcript status is %s", transcript.Status))
	}
	if transcript.AudioID != claimed.AudioID {
		// The audio was replaced after the claim; the new run owns the report.
		return skipped(result, domain.ReasonSuperseded)
	}

	if _, err := s.sessions.AdvanceStatus(ctx, sessionID, domain.SessionAnalyzing, domain.SessionEmpty, domain.SessionRecorded, domain.SessionTranscribing); err != nil {
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("advance to analyzing: %w", err))
	}

	language := transcript.Language
	if strings.TrimSpace(language) == "" {
		language = s.defaultLanguage
	}
	text := transcript.Text()
	generated, err := s.generator.Generate(ctx, domain.ReportRequest{
		TranscriptText: text,
		Language:       language,
		SessionID:      sessionID,
		SubjectID:      session.SubjectID,
	})
	if err == nil {
		generated = generated.Normalize()
		err = domain.CheckReportContract(text, generated)
	}
	if err != nil {
		return s.handleFailure(ctx, result, attempt, claimed.AudioID, err)
	}

	if err := s.reports.CompleteReport(ctx, sessionID, claimed.AudioID, generated); err != nil {
		if domain.IsKind(err, domain.ErrConflict) {
			return skipped(result, domain.ReasonSuperseded)
		}
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("complete report: %w", err))
	}
	result.OK = true
	return result
}

// businessFailure marks only the report failed; the transcript outcome already owns the session status.
func (s *ReportStage) businessFailure(ctx context.Context, result domain.StageResult, audioID, reason string, cause error) domain.StageResult {
	if err := s.reports.FailReport(ctx, result.SessionID, audioID, false, domain.TruncateErrorMessage(cause.Error())); err != nil && !domain.IsKind(err, domain.ErrConflict) {
		return failed(result, reason, fmt.Errorf("%w; mark report failed: %v", cause, err))
	}
	return failed(result, reason, domain.WrapError(domain.ErrInvalidInput, "report", cause))
}

func (s *ReportStage) failStage(ctx context.Context, result domain.StageResult, attempt domain.Attempt, reason string, err error) domain.StageResult {
	return failStage(ctx, s.sessions, domain.ErrorStageAnalysis, result, attempt, reason, err)
}

func (s *ReportStage) handleFailure(ctx context.Context, result domain.StageResult, attempt domain.Attempt, audioID string, cause error) domain.StageResult {
	reason := failureReason(cause)
	if !domain.IsPermanent(cause) && !attempt.IsFinal() {
		result.Retryable = true
		result.Reason = reason
		result.Err = cause
		return result
	}
	if !domain.IsPermanent(cause) {
		reason = domain.ReasonRetriesExhausted
	}

	if err := s.reports.FailReport(ctx, result.SessionID, audioID, true, domain.TruncateErrorMessage(cause.Error())); err != nil {
		if domain.IsKind(err, domain.ErrConflict) {
			return skipped(result, domain.ReasonSuperseded)
		}
		return failed(result, reason, fmt.Errorf("%w; mark report failed: %v", cause, err))
	}
	return failed(result, reason, cause)
}
