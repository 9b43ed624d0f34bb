// Package mock provides deterministic providers for local runs and tests.
package mock

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

const ModelID = "mock"

const mockTranscript = "This is a mock transcript of the therapy session used for local development and testing."

type Transcriber struct{}

func NewTranscriber() *Transcriber {
	return &Transcriber{}
}

func (Transcriber) Transcribe(ctx context.Context, audioPath, language string) (domain.TranscriptionResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.TranscriptionResult{}, err
	}
	if strings.TrimSpace(audioPath) == "" {
		return domain.TranscriptionResult{}, domain.WrapError(domain.ErrInvalidInput, "mock transcribe", fmt.Errorf("audio path is required"))
	}
	if _, err := os.Stat(audioPath); err != nil {
		return domain.TranscriptionResult{}, domain.WrapError(domain.ErrInvalidInput, "mock transcribe", err)
	}
	return domain.NewTranscriptionResult(mockTranscript, language, ModelID), nil
}

type ReportGenerator struct{}

func NewReportGenerator() *ReportGenerator {
	return &ReportGenerator{}
}

func (ReportGenerator) Generate(ctx context.Context, req domain.ReportRequest) (domain.GeneratedReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.GeneratedReport{}, err
	}
	if strings.TrimSpace(req.TranscriptText) == "" {
		return domain.GeneratedReport{}, domain.WrapError(domain.ErrEmptyInput, "mock report", fmt.Errorf("transcript text is empty"))
	}
	report := domain.GeneratedReport{
		Summary:       "Mock summary for testing.",
		KeyPoints:     []string{"Mock key point"},
		RiskFlags:     []domain.RiskFlag{},
		TreatmentPlan: []string{"Mock treatment plan"},
		ModelID:       ModelID,
	}
	return domain.EnforceRiskContract(req.TranscriptText, report), nil
}
