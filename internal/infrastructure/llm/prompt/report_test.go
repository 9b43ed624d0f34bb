package prompt

import (
	"strings"
	"testing"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

func TestParseReportAcceptsFencedJSON(t *testing.T) {
	raw := "```json\n{\"summary\":\" ok \",\"key_points\":[\"a\"],\"risk_flags\":[{\"type\":\"anxiety\",\"severity\":\"Medium\",\"note\":\"n\"}],\"treatment_plan\":[\"b\"]}\n```"
	report, err := ParseReport(raw, "gpt-test")
	if err != nil {
		t.Fatalf("ParseReport() error = %v", err)
	}
	if report.Summary != "ok" || report.ModelID != "gpt-test" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.RiskFlags) != 1 || report.RiskFlags[0].Category != "anxiety" || report.RiskFlags[0].Severity != domain.SeverityMedium {
		t.Fatalf("unexpected risk flags: %+v", report.RiskFlags)
	}
}

func TestParseReportMissingListsAreEmpty(t *testing.T) {
	report, err := ParseReport(`{"summary":"s"}`, "m")
	if err != nil {
		t.Fatalf("ParseReport() error = %v", err)
	}
	if report.KeyPoints == nil || report.RiskFlags == nil || report.TreatmentPlan == nil {
		t.Fatalf("lists must be non-nil: %+v", report)
	}
}

func TestParseReportMalformed(t *testing.T) {
	for _, raw := range []string{"", "not json at all", `{"summary": [}`} {
		if _, err := ParseReport(raw, "m"); !domain.IsKind(err, domain.ErrMalformedOutput) {
			t.Fatalf("expected ErrMalformedOutput for %q, got %v", raw, err)
		}
	}
}

func TestReportUserPromptCarriesTranscriptAndLanguage(t *testing.T) {
	p := ReportUserPrompt(domain.ReportRequest{TranscriptText: "I feel anxious", Language: "en", SessionID: "s-1"})
	if !strings.Contains(p, "I feel anxious") || !strings.Contains(p, "Output language: en") {
		t.Fatalf("unexpected prompt: %s", p)
	}
	if !strings.Contains(ReportSystemPrompt(""), `"ar"`) {
		t.Fatalf("system prompt must default to ar")
	}
}
