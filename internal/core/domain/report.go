package domain

import "time"

type ReportStatus string

const (
	ReportDraft      ReportStatus = "draft"
	ReportProcessing ReportStatus = "processing"
	ReportCompleted  ReportStatus = "completed"
	ReportFailed     ReportStatus = "failed"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	default:
		return false
	}
}

type RiskFlag struct {
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Note     string   `json:"note"`
}

type Report struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"session_id"`
	AudioID        string       `json:"audio_id,omitempty"`
	Summary        string       `json:"summary"`
	KeyPoints      []string     `json:"key_points"`
	RiskFlags      []RiskFlag   `json:"risk_flags"`
	TreatmentPlan  []string     `json:"treatment_plan"`
	TherapistNotes string       `json:"therapist_notes"`
	ModelID        string       `json:"model_id,omitempty"`
	Status         ReportStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ReportRequest is the provider input for report generation.
type ReportRequest struct {
	TranscriptText string
	Language       string
	SessionID      string
	SubjectID      string
}

type GeneratedReport struct {
	Summary       string     `json:"summary"`
	KeyPoints     []string   `json:"key_points"`
	RiskFlags     []RiskFlag `json:"risk_flags"`
	TreatmentPlan []string   `json:"treatment_plan"`
	ModelID       string     `json:"-"`
}

// Normalize replaces nil lists with empty ones and drops flags with unknown severity.
func (g GeneratedReport) Normalize() GeneratedReport {
	out := g
	out.KeyPoints = compactStrings(g.KeyPoints)
	out.TreatmentPlan = compactStrings(g.TreatmentPlan)
	out.RiskFlags = make([]RiskFlag, 0, len(g.RiskFlags))
	for _, flag := range g.RiskFlags {
		if !flag.Severity.Valid() {
			continue
		}
		out.RiskFlags = append(out.RiskFlags, flag)
	}
	return out
}

func compactStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
