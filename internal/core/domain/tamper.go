package domain

import "time"

type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type PatternType string

const (
	PatternTimeGap             PatternType = "time_gap"
	PatternBulkDeletion        PatternType = "bulk_deletion_pattern"
	PatternEscalationAuditEdit PatternType = "escalation_audit_edit"
)

// Violation records one failed integrity check on one record.
type Violation struct {
	RecordID string `json:"record_id"`
	Check    Check  `json:"check"`
	Detail   string `json:"detail,omitempty"`
}

// SuspiciousPattern is one heuristic finding over a tenant's record sequence.
type SuspiciousPattern struct {
	Type     PatternType `json:"type"`
	Severity Severity    `json:"severity"`
	Actor    string      `json:"actor,omitempty"`
	Start    time.Time   `json:"start"`
	End      time.Time   `json:"end"`
	Count    int         `json:"count,omitempty"`
	Detail   string      `json:"detail"`
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFor maps a 0-100 risk score to its qualitative level.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// TamperReport is the derived, non-persisted output of a tamper scan.
// Recomputing it over unchanged data yields an identical report.
type TamperReport struct {
	TenantID        string              `json:"tenant_id"`
	Window          TimeWindow          `json:"-"`
	RecordsAnalyzed int                 `json:"records_analyzed"`
	Violations      []Violation         `json:"violations"`
	Patterns        []SuspiciousPattern `json:"patterns"`
	RiskScore       float64             `json:"risk_score"`
	RiskLevel       RiskLevel           `json:"risk_level"`
}

// BatchVerification summarizes envelope verification over a tenant window.
type BatchVerification struct {
	TotalLogs             int     `json:"total_logs"`
	ValidLogs             int     `json:"valid_logs"`
	InvalidLogs           int     `json:"invalid_logs"`
	IntegrityScorePercent float64 `json:"integrity_score_percent"`
}

// Statistics summarizes seal coverage for a tenant window.
type Statistics struct {
	TotalLogs             int       `json:"total_logs"`
	ProtectedLogs         int       `json:"protected_logs"`
	ProtectionRatePercent float64   `json:"protection_rate_percent"`
	RiskLevel             RiskLevel `json:"risk_level"`
}

// RepairDetail reports the outcome of re-sealing a single record.
type RepairDetail struct {
	RecordID string `json:"record_id"`
	Repaired bool   `json:"repaired"`
	Error    string `json:"error,omitempty"`
}

type RepairOutcome struct {
	RepairedCount int            `json:"repaired_count"`
	FailedCount   int            `json:"failed_count"`
	Details       []RepairDetail `json:"details"`
}
