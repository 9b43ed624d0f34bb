package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/llm/prompt"
)

const DefaultReportModel = "gpt-4.1-mini"

type ReportGenerator struct {
	client *Client
	model  string
}

func NewReportGenerator(client *Client, model string) *ReportGenerator {
	if strings.TrimSpace(model) == "" {
		model = DefaultReportModel
	}
	return &ReportGenerator{client: client, model: model}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (g *ReportGenerator) Generate(ctx context.Context, req domain.ReportRequest) (domain.GeneratedReport, error) {
	const operation = "openai.report"
	if strings.TrimSpace(req.TranscriptText) == "" {
		return domain.GeneratedReport{}, domain.WrapError(domain.ErrEmptyInput, operation, fmt.Errorf("transcript text is empty"))
	}
	if err := g.client.requireKey(operation); err != nil {
		return domain.GeneratedReport{}, err
	}

	payload := map[string]any{
		"model": g.model,
		"messages": []chatMessage{
			{Role: "system", Content: prompt.ReportSystemPrompt(req.Language)},
			{Role: "user", Content: prompt.ReportUserPrompt(req)},
		},
		"response_format": map[string]string{"type": "json_object"},
		"temperature":     0.2,
	}

	var response struct {
		Model   string `json:"model"`
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	err := g.client.do(ctx, operation, func(callCtx context.Context) error {
		return g.client.postJSON(callCtx, "/chat/completions", payload, &response, "chat")
	})
	if err != nil {
		return domain.GeneratedReport{}, err
	}
	if len(response.Choices) == 0 {
		return domain.GeneratedReport{}, domain.WrapError(domain.ErrMalformedOutput, operation, fmt.Errorf("response has no choices"))
	}

	modelID := response.Model
	if modelID == "" {
		modelID = g.model
	}
	report, err := prompt.ParseReport(response.Choices[0].Message.Content, modelID)
	if err != nil {
		return domain.GeneratedReport{}, err
	}
	return domain.EnforceRiskContract(req.TranscriptText, report), nil
}
