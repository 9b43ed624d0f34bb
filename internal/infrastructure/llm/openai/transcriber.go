package openai

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

const DefaultTranscribeModel = "whisper-1"

type Transcriber struct {
	client *Client
	model  string
}

func NewTranscriber(client *Client, model string) *Transcriber {
	if strings.TrimSpace(model) == "" {
		model = DefaultTranscribeModel
	}
	return &Transcriber{client: client, model: model}
}

// Transcribe streams the audio file as multipart form data; the file is reopened on every attempt.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath, language string) (domain.TranscriptionResult, error) {
	const operation = "openai.transcribe"
	if strings.TrimSpace(audioPath) == "" {
		return domain.TranscriptionResult{}, domain.WrapError(domain.ErrInvalidInput, operation, fmt.Errorf("audio path is required"))
	}
	if err := t.client.requireKey(operation); err != nil {
		return domain.TranscriptionResult{}, err
	}

	var response struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	err := t.client.do(ctx, operation, func(callCtx context.Context) error {
		file, err := os.Open(audioPath)
		if err != nil {
			return domain.WrapError(domain.ErrInvalidInput, operation, err)
		}
		defer file.Close()

		pr, pw := io.Pipe()
		form := multipart.NewWriter(pw)
		go func() {
			pw.CloseWithError(writeTranscriptionForm(form, file, filepath.Base(audioPath), t.model, language))
		}()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, t.client.baseURL+"/audio/transcriptions", pr)
		if err != nil {
			_ = pr.CloseWithError(err)
			return fmt.Errorf("create transcribe request: %w", err)
		}
		req.Header.Set("Content-Type", form.FormDataContentType())
		err = t.client.send(req, &response, "transcribe")
		_ = pr.CloseWithError(err)
		return err
	})
	if err != nil {
		return domain.TranscriptionResult{}, err
	}

	raw := strings.TrimSpace(response.Text)
	if raw == "" {
		return domain.TranscriptionResult{}, domain.WrapError(domain.ErrEmptyInput, operation, fmt.Errorf("provider returned empty text"))
	}
	resolved := strings.TrimSpace(response.Language)
	if resolved == "" {
		resolved = language
	}
	return domain.NewTranscriptionResult(raw, resolved, t.model), nil
}

func writeTranscriptionForm(form *multipart.Writer, audio io.Reader, filename, model, language string) error {
	if err := form.WriteField("model", model); err != nil {
		return err
	}
	if err := form.WriteField("response_format", "verbose_json"); err != nil {
		return err
	}
	if strings.TrimSpace(language) != "" {
		if err := form.WriteField("language", language); err != nil {
			return err
		}
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return err
	}
	return form.Close()
}
