package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrContractViolation marks decodable provider output that breaks the report contract.
var ErrContractViolation = errors.New("report contract violation")

const SelfHarmCategory = "self-harm"

var selfHarmIndicators = []string{
	"suicide",
	"suicidal",
	"kill myself",
	"killing myself",
	"end my life",
	"ending my life",
	"take my own life",
	"want to die",
	"wish i was dead",
	"wish i were dead",
	"better off dead",
	"hurt myself",
	"hurting myself",
	"harm myself",
	"self-harm",
	"self harm",
	"cut myself",
	"cutting myself",
	"overdose",
	"انتحار",
	"الانتحار",
	"أنتحر",
	"انتحر",
	"أقتل نفسي",
	"اقتل نفسي",
	"أنهي حياتي",
	"انهي حياتي",
	"أريد أن أموت",
	"اريد ان اموت",
	"أؤذي نفسي",
	"اؤذي نفسي",
	"إيذاء النفس",
	"ايذاء النفس",
}

// DetectSelfHarm reports whether text contains self-harm or suicidal ideation indicators.
func DetectSelfHarm(text string) bool {
	lower := strings.ToLower(text)
	for _, indicator := range selfHarmIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

func HasHighRisk(flags []RiskFlag) bool {
	for _, flag := range flags {
		if flag.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// EnforceRiskContract appends a high severity self-harm flag when the transcript
// carries indicators and the generated flags do not.
func EnforceRiskContract(transcript string, report GeneratedReport) GeneratedReport {
	out := report.Normalize()
	if !DetectSelfHarm(transcript) || HasHighRisk(out.RiskFlags) {
		return out
	}
	out.RiskFlags = append(out.RiskFlags, RiskFlag{
		Category: SelfHarmCategory,
		Severity: SeverityHigh,
		Note:     "Transcript contains self-harm or suicidal ideation indicators; immediate risk assessment required.",
	})
	return out
}

// CheckReportContract validates generated output against the structural and safety contract.
func CheckReportContract(transcript string, report GeneratedReport) error {
	var problems []string
	if report.KeyPoints == nil || report.RiskFlags == nil || report.TreatmentPlan == nil {
		problems = append(problems, "list fields must not be null")
	}
	if len(report.KeyPoints) == 0 {
		problems = append(problems, "key_points is empty")
	}
	if len(report.TreatmentPlan) == 0 {
		problems = append(problems, "treatment_plan is empty")
	}
	for i, flag := range report.RiskFlags {
		if !flag.Severity.Valid() {
			problems = append(problems, fmt.Sprintf("risk_flags[%d] has severity %q", i, flag.Severity))
		}
	}
	if DetectSelfHarm(transcript) && !HasHighRisk(report.RiskFlags) {
		problems = append(problems, "self-harm indicators without a high severity risk flag")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrContractViolation, strings.Join(problems, "; "))
}
