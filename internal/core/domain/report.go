package domain

import "time"

// Recommendation is one remediation step derived from scan findings.
type Recommendation struct {
	Priority int    `json:"priority"`
	Trigger  string `json:"trigger"`
	Text     string `json:"text"`
}

// IntegrityReport is the structured, human- and machine-readable rendering of
// a TamperReport. It is a pure function of its input.
type IntegrityReport struct {
	ReportID        string              `json:"report_id"`
	TenantID        string              `json:"tenant_id"`
	GeneratedAt     time.Time           `json:"generated_at"`
	WindowFrom      time.Time           `json:"window_from,omitempty"`
	WindowTo        time.Time           `json:"window_to,omitempty"`
	RecordsAnalyzed int                 `json:"records_analyzed"`
	ViolationCount  int                 `json:"violation_count"`
	PatternCount    int                 `json:"pattern_count"`
	RiskScore       float64             `json:"risk_score"`
	RiskLevel       RiskLevel           `json:"risk_level"`
	Status          string              `json:"status"`
	Violations      []Violation         `json:"violations"`
	Patterns        []SuspiciousPattern `json:"patterns"`
	Recommendations []Recommendation    `json:"recommendations"`
}
