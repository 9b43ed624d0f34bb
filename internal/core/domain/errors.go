package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrAudioNotFound      = errors.New("audio not found")
	ErrTranscriptNotFound = errors.New("transcript not found")
	ErrReportNotFound     = errors.New("report not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrConflict           = errors.New("conflict")
	ErrTemporary          = errors.New("temporary failure")

	// ErrProviderUnavailable marks missing provider credentials or configuration.
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrEmptyInput          = errors.New("empty input")
	// ErrMalformedOutput marks provider output that cannot be decoded at all.
	ErrMalformedOutput = errors.New("malformed provider output")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsNotFound reports whether err carries any of the entity not-found kinds.
func IsNotFound(err error) bool {
	return IsKind(err, ErrSessionNotFound) ||
		IsKind(err, ErrAudioNotFound) ||
		IsKind(err, ErrTranscriptNotFound) ||
		IsKind(err, ErrReportNotFound)
}

// IsPermanent reports whether a stage error must not be retried.
func IsPermanent(err error) bool {
	return IsKind(err, ErrProviderUnavailable) ||
		IsKind(err, ErrEmptyInput) ||
		IsKind(err, ErrMalformedOutput) ||
		IsKind(err, ErrInvalidInput)
}
