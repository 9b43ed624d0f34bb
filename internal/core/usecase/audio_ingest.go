package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
)

const (
	maxFilenameLen  = 255
	defaultAudioExt = ".webm"
	maxLanguageHint = 16
)

type AudioIngestUseCase struct {
	sessions    ports.SessionRepository
	storage     ports.ObjectStorage
	coordinator ports.PipelineCoordinator
	now         func() time.Time
}

func NewAudioIngestUseCase(
	sessions ports.SessionRepository,
	storage ports.ObjectStorage,
	coordinator ports.PipelineCoordinator,
) *AudioIngestUseCase {
	return &AudioIngestUseCase{
		sessions:    sessions,
		storage:     storage,
		coordinator: coordinator,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Upload stores the first audio of a session and schedules transcription.
func (uc *AudioIngestUseCase) Upload(ctx context.Context, in ports.AudioUpload) (*domain.Audio, error) {
	return uc.ingest(ctx, in, false)
}

// Replace swaps the session audio and starts a new pipeline run.
func (uc *AudioIngestUseCase) Replace(ctx context.Context, in ports.AudioUpload) (*domain.Audio, error) {
	return uc.ingest(ctx, in, true)
}

func (uc *AudioIngestUseCase) ingest(ctx context.Context, in ports.AudioUpload, replace bool) (*domain.Audio, error) {
	op := "upload audio"
	if replace {
		op = "replace audio"
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("session id is required"))
	}
	if in.Body == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("audio body is required"))
	}
	language := strings.TrimSpace(in.LanguageHint)
	if len(language) > maxLanguageHint {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("language hint %q is too long", language))
	}

	session, err := uc.sessions.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := uc.precheck(ctx, session.ID, replace); err != nil {
		return nil, err
	}

	audio := &domain.Audio{
		ID:           uuid.NewString(),
		SessionID:    session.ID,
		Filename:     sanitizeFilename(in.Filename),
		LanguageHint: language,
		CreatedAt:    uc.now(),
	}
	audio.StorageKey = storageKey(session, audio)

	size, err := uc.storage.Save(ctx, audio.StorageKey, in.Body)
	if err != nil {
		return nil, fmt.Errorf("save audio to object storage: %w", err)
	}
	if size == 0 {
		uc.discard(ctx, audio.StorageKey)
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("audio body is empty"))
	}
	audio.SizeBytes = size

	previous, err := uc.sessions.AttachAudio(ctx, audio, replace)
	if err != nil {
		uc.discard(ctx, audio.StorageKey)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if previous != nil && previous.StorageKey != audio.StorageKey {
		uc.discard(ctx, previous.StorageKey)
	}

	// The audio row is committed; a lost enqueue is recovered by reclaim.
	if err := uc.coordinator.EnqueueTranscription(ctx, session.ID); err != nil {
		slog.Error("transcription_enqueue_failed", "session_id", session.ID, "audio_id", audio.ID, "error", err)
	}
	return audio, nil
}

// precheck rejects conflicting uploads before any bytes hit storage.
// AttachAudio repeats the check under the row lock.
func (uc *AudioIngestUseCase) precheck(ctx context.Context, sessionID string, replace bool) error {
	_, err := uc.sessions.GetAudio(ctx, sessionID)
	switch {
	case err == nil && !replace:
		return domain.WrapError(domain.ErrConflict, "upload audio", fmt.Errorf("session %s already has audio; use replace", sessionID))
	case err == nil:
		return nil
	case domain.IsKind(err, domain.ErrAudioNotFound) && replace:
		return domain.WrapError(domain.ErrInvalidInput, "replace audio", fmt.Errorf("session %s has no audio to replace", sessionID))
	case domain.IsKind(err, domain.ErrAudioNotFound):
		return nil
	default:
		return fmt.Errorf("load session audio: %w", err)
	}
}

func (uc *AudioIngestUseCase) discard(ctx context.Context, key string) {
	if err := uc.storage.Delete(context.WithoutCancel(ctx), key); err != nil {
		slog.Warn("audio_object_delete_failed", "storage_key", key, "error", err)
	}
}

func storageKey(session *domain.Session, audio *domain.Audio) string {
	ext := strings.ToLower(filepath.Ext(audio.Filename))
	if ext == "" || ext == "." {
		ext = defaultAudioExt
	}
	subject := sanitizeFilename(session.SubjectID)
	return fmt.Sprintf("recordings/subject_%s/session_%s/%s%s", subject, session.ID, audio.ID, ext)
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == "/" {
		return "recording" + defaultAudioExt
	}
	if utf8.RuneCountInString(base) > maxFilenameLen {
		base = base[len(base)-maxFilenameLen:]
	}
	return base
}
