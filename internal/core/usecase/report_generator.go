package usecase

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cleartrail/auditapi/internal/core/domain"
)

// ReportGenerator renders a TamperReport as a stable structured document with
// remediation recommendations. Generation does no I/O; the clock is
// injectable and the report id is derived from the findings, so the same scan
// output always produces the same report body.
type ReportGenerator struct {
	now func() time.Time
}

func NewReportGenerator() *ReportGenerator {
	return &ReportGenerator{now: time.Now}
}

func (g *ReportGenerator) Generate(scan domain.TamperReport) domain.IntegrityReport {
	report := domain.IntegrityReport{
		ReportID:        reportID(scan),
		TenantID:        scan.TenantID,
		GeneratedAt:     g.now().UTC(),
		WindowFrom:      scan.Window.From,
		WindowTo:        scan.Window.To,
		RecordsAnalyzed: scan.RecordsAnalyzed,
		ViolationCount:  len(scan.Violations),
		PatternCount:    len(scan.Patterns),
		RiskScore:       scan.RiskScore,
		RiskLevel:       scan.RiskLevel,
		Status:          statusFor(scan),
		Violations:      scan.Violations,
		Patterns:        scan.Patterns,
		Recommendations: recommendationsFor(scan),
	}
	if report.Violations == nil {
		report.Violations = []domain.Violation{}
	}
	if report.Patterns == nil {
		report.Patterns = []domain.SuspiciousPattern{}
	}
	return report
}

// reportID is a name-based UUID over the scan's identity, so regenerating a
// report for the same findings yields the same id.
func reportID(scan domain.TamperReport) string {
	name := fmt.Sprintf("%s|%s|%s|%d|%d|%d|%.4f",
		scan.TenantID,
		scan.Window.From.UTC().Format(time.RFC3339Nano),
		scan.Window.To.UTC().Format(time.RFC3339Nano),
		scan.RecordsAnalyzed,
		len(scan.Violations),
		len(scan.Patterns),
		scan.RiskScore)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func statusFor(scan domain.TamperReport) string {
	switch {
	case len(scan.Violations) == 0 && len(scan.Patterns) == 0:
		return "intact"
	case len(scan.Violations) == 0:
		return "suspicious activity detected"
	default:
		return "integrity violations detected"
	}
}

type recommendationRule struct {
	trigger  string
	priority int
	text     string
	applies  func(scan domain.TamperReport) bool
}

var recommendationRules = []recommendationRule{
	{
		trigger:  string(domain.PatternEscalationAuditEdit),
		priority: 1,
		text:     "Suspend the involved actor's credentials and review every action taken since the permission change.",
		applies:  hasPattern(domain.PatternEscalationAuditEdit),
	},
	{
		trigger:  string(domain.CheckSignature),
		priority: 2,
		text:     "Rotate the signing keypair and re-verify all records sealed under the current key version.",
		applies:  hasViolation(domain.CheckSignature),
	},
	{
		trigger:  string(domain.CheckChain),
		priority: 3,
		text:     "Reconstruct the tenant chain from the first affected record and compare against backups before repairing.",
		applies:  hasViolation(domain.CheckChain),
	},
	{
		trigger:  string(domain.CheckHash),
		priority: 4,
		text:     "Treat hash-mismatched records as tampered: preserve the stored bytes for forensics before any repair.",
		applies:  hasViolation(domain.CheckHash),
	},
	{
		trigger:  string(domain.CheckPresence),
		priority: 5,
		text:     "Run a repair pass to seal records written without envelopes and investigate why the fallback path was unsealed.",
		applies:  hasViolation(domain.CheckPresence),
	},
	{
		trigger:  string(domain.PatternBulkDeletion),
		priority: 6,
		text:     "Require an approval workflow for batch delete operations and review the flagged actor's delete activity.",
		applies:  hasPattern(domain.PatternBulkDeletion),
	},
	{
		trigger:  string(domain.PatternTimeGap),
		priority: 7,
		text:     "Cross-check the flagged quiet intervals against infrastructure logs for evidence of removed records.",
		applies:  hasPattern(domain.PatternTimeGap),
	},
}

func hasPattern(t domain.PatternType) func(domain.TamperReport) bool {
	return func(scan domain.TamperReport) bool {
		for _, p := range scan.Patterns {
			if p.Type == t {
				return true
			}
		}
		return false
	}
}

func hasViolation(c domain.Check) func(domain.TamperReport) bool {
	return func(scan domain.TamperReport) bool {
		for _, v := range scan.Violations {
			if v.Check == c {
				return true
			}
		}
		return false
	}
}

func recommendationsFor(scan domain.TamperReport) []domain.Recommendation {
	out := []domain.Recommendation{}
	for _, rule := range recommendationRules {
		if rule.applies(scan) {
			out = append(out, domain.Recommendation{
				Priority: rule.priority,
				Trigger:  rule.trigger,
				Text:     rule.text,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
