package domain

import (
	"strings"
	"time"
)

type TranscriptStatus string

const (
	TranscriptPending      TranscriptStatus = "pending"
	TranscriptTranscribing TranscriptStatus = "transcribing"
	TranscriptCompleted    TranscriptStatus = "completed"
	TranscriptFailed       TranscriptStatus = "failed"
)

type Transcript struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	AudioID     string           `json:"audio_id,omitempty"`
	RawText     string           `json:"raw_text"`
	CleanedText string           `json:"cleaned_text"`
	Language    string           `json:"language"`
	WordCount   int              `json:"word_count"`
	ModelID     string           `json:"model_id,omitempty"`
	Status      TranscriptStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Text returns the cleaned text, falling back to the raw text.
func (t *Transcript) Text() string {
	if strings.TrimSpace(t.CleanedText) != "" {
		return t.CleanedText
	}
	return strings.TrimSpace(t.RawText)
}

type TranscriptionResult struct {
	RawText          string
	CleanedText      string
	ResolvedLanguage string
	WordCount        int
	ModelID          string
}

// NewTranscriptionResult derives the cleaned text and word count from raw provider output.
func NewTranscriptionResult(raw, language, modelID string) TranscriptionResult {
	cleaned := CleanTranscript(raw)
	return TranscriptionResult{
		RawText:          raw,
		CleanedText:      cleaned,
		ResolvedLanguage: language,
		WordCount:        CountWords(cleaned),
		ModelID:          modelID,
	}
}

// CleanTranscript collapses whitespace runs into single spaces and trims both ends.
func CleanTranscript(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func CountWords(text string) int {
	return len(strings.Fields(text))
}
