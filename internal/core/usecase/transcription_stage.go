package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
)

type TranscriptionStage struct {
	sessions        ports.SessionRepository
	transcripts     ports.TranscriptRepository
	reports         ports.ReportRepository
	storage         ports.ObjectStorage
	transcriber     ports.Transcriber
	coordinator     ports.PipelineCoordinator
	scratchDir      string
	defaultLanguage string
}

type TranscriptionStageConfig struct {
	ScratchDir      string
	DefaultLanguage string
}

func NewTranscriptionStage(
	sessions ports.SessionRepository,
	transcripts ports.TranscriptRepository,
	reports ports.ReportRepository,
	storage ports.ObjectStorage,
	transcriber ports.Transcriber,
	coordinator ports.PipelineCoordinator,
	cfg TranscriptionStageConfig,
) *TranscriptionStage {
	language := strings.TrimSpace(cfg.DefaultLanguage)
	if language == "" {
		language = "ar"
	}
	return &TranscriptionStage{
		sessions:        sessions,
		transcripts:     transcripts,
		reports:         reports,
		storage:         storage,
		transcriber:     transcriber,
		coordinator:     coordinator,
		scratchDir:      cfg.ScratchDir,
		defaultLanguage: language,
	}
}

// Run executes one transcription attempt for sessionID.
func (s *TranscriptionStage) Run(ctx context.Context, sessionID string, attempt domain.Attempt) domain.StageResult {
	result := domain.StageResult{SessionID: sessionID, Stage: domain.StageTranscription}

	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		if domain.IsKind(err, domain.ErrSessionNotFound) {
			return skipped(result, domain.ReasonSessionNotFound)
		}
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("load session: %w", err))
	}

	audio, err := s.sessions.GetAudio(ctx, sessionID)
	if err != nil {
		if !domain.IsKind(err, domain.ErrAudioNotFound) {
			return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("load audio: %w", err))
		}
		if markErr := s.sessions.MarkSessionFailed(ctx, sessionID, domain.ErrorStageNoAudio, "session has no audio"); markErr != nil {
			return retryOrFail(result, attempt, domain.ReasonNoAudio, fmt.Errorf("mark session failed: %w", markErr))
		}
		return failed(result, domain.ReasonNoAudio, domain.WrapError(domain.ErrInvalidInput, "transcription", errors.New("session has no audio")))
	}

	if _, err := s.sessions.AdvanceStatus(ctx, sessionID, domain.SessionTranscribing, domain.SessionEmpty, domain.SessionRecorded); err != nil {
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("advance to transcribing: %w", err))
	}

	language := audio.LanguageHint
	if strings.TrimSpace(language) == "" {
		language = s.defaultLanguage
	}
	transcript, err := s.transcripts.EnsureTranscript(ctx, sessionID, language)
	if err != nil {
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("ensure transcript: %w", err))
	}
	if transcript.Status == domain.TranscriptCompleted {
		return s.continueCompleted(ctx, result, attempt)
	}

	if err := s.transcripts.BeginTranscription(ctx, sessionID, audio.ID, language); err != nil {
		if domain.IsKind(err, domain.ErrConflict) {
			return s.afterBeginConflict(ctx, result, attempt)
		}
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("begin transcription: %w", err))
	}

	transcription, err := s.transcribe(ctx, audio, language)
	if err != nil {
		return s.handleFailure(ctx, result, attempt, audio.ID, err)
	}

	if err := s.transcripts.CompleteTranscription(ctx, sessionID, audio.ID, transcription); err != nil {
		if domain.IsKind(err, domain.ErrConflict) {
			return skipped(result, domain.ReasonSuperseded)
		}
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("complete transcription: %w", err))
	}

	if err := s.coordinator.EnqueueReport(ctx, sessionID); err != nil {
		// Transcript is committed; the next attempt takes the already-completed path and retries the enqueue.
		return retryOrFail(result, attempt, domain.ReasonEnqueueFailed, err)
	}
	result.OK = true
	return result
}

// afterBeginConflict resolves a refused bind: either another run already completed the
// transcript, or the audio this run loaded was replaced.
func (s *TranscriptionStage) afterBeginConflict(ctx context.Context, result domain.StageResult, attempt domain.Attempt) domain.StageResult {
	transcript, err := s.transcripts.GetTranscript(ctx, result.SessionID)
	if err != nil {
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("reload transcript: %w", err))
	}
	if transcript.Status == domain.TranscriptCompleted {
		return s.continueCompleted(ctx, result, attempt)
	}
	return skipped(result, domain.ReasonSuperseded)
}

func (s *TranscriptionStage) failStage(ctx context.Context, result domain.StageResult, attempt domain.Attempt, reason string, err error) domain.StageResult {
	return failStage(ctx, s.sessions, domain.ErrorStageTranscription, result, attempt, reason, err)
}

// continueCompleted chains a completed transcript into the report stage without calling the provider.
func (s *TranscriptionStage) continueCompleted(ctx context.Context, result domain.StageResult, attempt domain.Attempt) domain.StageResult {
	report, err := s.reports.GetReport(ctx, result.SessionID)
	switch {
	case err == nil && report.Status == domain.ReportCompleted:
		if _, err := s.sessions.AdvanceStatus(ctx, result.SessionID, domain.SessionCompleted); err != nil {
			return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("advance to completed: %w", err))
		}
		return skipped(result, domain.ReasonAlreadyCompleted)
	case err != nil && !domain.IsKind(err, domain.ErrReportNotFound):
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("load report: %w", err))
	}

	if _, err := s.sessions.AdvanceStatus(ctx, result.SessionID, domain.SessionAnalyzing, domain.SessionEmpty, domain.SessionRecorded, domain.SessionTranscribing); err != nil {
		return s.failStage(ctx, result, attempt, domain.ReasonProviderError, fmt.Errorf("advance to analyzing: %w", err))
	}
	if err := s.coordinator.EnqueueReport(ctx, result.SessionID); err != nil {
		return retryOrFail(result, attempt, domain.ReasonEnqueueFailed, err)
	}
	return skipped(result, domain.ReasonAlreadyCompleted)
}

func (s *TranscriptionStage) transcribe(ctx context.Context, audio *domain.Audio, language string) (domain.TranscriptionResult, error) {
	path, cleanup, err := s.scratchCopy(ctx, audio)
	if err != nil {
		return domain.TranscriptionResult{}, err
	}
	defer cleanup()

	out, err := s.transcriber.Transcribe(ctx, path, language)
	if err != nil {
		return domain.TranscriptionResult{}, fmt.Errorf("transcribe audio: %w", err)
	}
	if strings.TrimSpace(out.CleanedText) == "" && strings.TrimSpace(out.RawText) == "" {
		return domain.TranscriptionResult{}, domain.WrapError(domain.ErrEmptyInput, "transcribe audio", errors.New("provider returned no text"))
	}
	if out.CleanedText == "" {
		out.CleanedText = domain.CleanTranscript(out.RawText)
	}
	if out.WordCount == 0 {
		out.WordCount = domain.CountWords(out.CleanedText)
	}
	if out.ResolvedLanguage == "" {
		out.ResolvedLanguage = language
	}
	return out, nil
}

// scratchCopy streams the stored audio into a local temp file for the provider.
func (s *TranscriptionStage) scratchCopy(ctx context.Context, audio *domain.Audio) (string, func(), error) {
	src, err := s.storage.Open(ctx, audio.StorageKey)
	if err != nil {
		if domain.IsKind(err, domain.ErrAudioNotFound) {
			return "", nil, domain.WrapError(domain.ErrEmptyInput, "open audio", err)
		}
		return "", nil, fmt.Errorf("open audio: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(s.scratchDir, "session-*"+filepath.Ext(audio.StorageKey))
	if err != nil {
		return "", nil, fmt.Errorf("create scratch file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(dst.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("scratch_remove_failed", "path", dst.Name(), "error", err)
		}
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		cleanup()
		return "", nil, fmt.Errorf("copy audio to scratch file: %w", err)
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close scratch file: %w", err)
	}
	return dst.Name(), cleanup, nil
}

func (s *TranscriptionStage) handleFailure(ctx context.Context, result domain.StageResult, attempt domain.Attempt, audioID string, cause error) domain.StageResult {
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

	if err := s.transcripts.FailTranscription(ctx, result.SessionID, audioID, domain.TruncateErrorMessage(cause.Error())); err != nil {
		if domain.IsKind(err, domain.ErrConflict) {
			return skipped(result, domain.ReasonSuperseded)
		}
		return failed(result, reason, fmt.Errorf("%w; mark transcription failed: %v", cause, err))
	}
	return failed(result, reason, cause)
}
