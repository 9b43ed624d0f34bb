// Package prompt holds the report prompts and output parsing shared by LLM providers.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

const maxTranscriptRunes = 60000

// ReportSystemPrompt instructs the model to return the report JSON object.
func ReportSystemPrompt(language string) string {
	return `You are a clinical assistant generating structured therapy session reports.
Return ONLY a strict JSON object with keys:
summary (string), key_points (array of strings), risk_flags (array of objects with keys category, severity, note), treatment_plan (array of strings).
severity must be one of: low, medium, high.
No markdown, no extra keys.

Write every value in the language "` + languageOrDefault(language) + `".
Essential clinical terms (diagnosis names, medications, CBT/DBT terms, assessment scales) may stay in English.
Be concise, factual and clinically neutral.
ALWAYS assess suicide and self-harm risk.
If the transcript contains suicidal ideation, intent or a desire to die, include at least one risk_flags item with severity "high".
key_points must not be empty and must be grounded in the transcript. Provide 4 to 8 items.
treatment_plan must not be empty and must be actionable and session-specific. Provide 3 to 6 items.
If high risk is detected, include immediate safety steps in treatment_plan.`
}

func ReportUserPrompt(req domain.ReportRequest) string {
	text := req.TranscriptText
	if runes := []rune(text); len(runes) > maxTranscriptRunes {
		text = string(runes[:maxTranscriptRunes])
	}
	return fmt.Sprintf(`Output language: %s
Session: %s
Subject: %s

Transcript:
%s
`, languageOrDefault(req.Language), req.SessionID, req.SubjectID, text)
}

// ParseReport decodes a model response into a generated report.
// Undecodable output is reported as ErrMalformedOutput.
func ParseReport(raw, modelID string) (domain.GeneratedReport, error) {
	var wire struct {
		Summary   string   `json:"summary"`
		KeyPoints []string `json:"key_points"`
		RiskFlags []struct {
			Category string `json:"category"`
			Type     string `json:"type"`
			Severity string `json:"severity"`
			Note     string `json:"note"`
		} `json:"risk_flags"`
		TreatmentPlan []string `json:"treatment_plan"`
	}
	body := ExtractJSONObject(raw)
	if strings.TrimSpace(body) == "" {
		return domain.GeneratedReport{}, domain.WrapError(domain.ErrMalformedOutput, "parse report", fmt.Errorf("empty response"))
	}
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return domain.GeneratedReport{}, domain.WrapError(domain.ErrMalformedOutput, "parse report", err)
	}

	out := domain.GeneratedReport{
		Summary:       strings.TrimSpace(wire.Summary),
		KeyPoints:     trimAll(wire.KeyPoints),
		TreatmentPlan: trimAll(wire.TreatmentPlan),
		RiskFlags:     make([]domain.RiskFlag, 0, len(wire.RiskFlags)),
		ModelID:       modelID,
	}
	for _, flag := range wire.RiskFlags {
		category := strings.TrimSpace(flag.Category)
		if category == "" {
			category = strings.TrimSpace(flag.Type)
		}
		out.RiskFlags = append(out.RiskFlags, domain.RiskFlag{
			Category: category,
			Severity: domain.Severity(strings.ToLower(strings.TrimSpace(flag.Severity))),
			Note:     strings.TrimSpace(flag.Note),
		})
	}
	return out, nil
}

// ExtractJSONObject strips anything around the outermost JSON object.
func ExtractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

func trimAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, strings.TrimSpace(item))
	}
	return out
}

func languageOrDefault(language string) string {
	if strings.TrimSpace(language) == "" {
		return "ar"
	}
	return language
}
