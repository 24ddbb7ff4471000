package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cleartrail/auditapi/internal/core/domain"
	"github.com/cleartrail/auditapi/internal/core/ports"
)

// DetectorConfig tunes the tamper heuristics. Zero values are backfilled with
// the documented defaults.
type DetectorConfig struct {
	// GapThreshold flags a silence between consecutive records. Default 1h.
	GapThreshold time.Duration
	// GapDensityCount and GapDensityWindow define the "dense activity"
	// bracket around a gap: at least GapDensityCount records within
	// GapDensityWindow on each side. Defaults 3 records in 10m.
	GapDensityCount  int
	GapDensityWindow time.Duration
	// BulkDeleteThreshold deletes by one actor within BulkDeleteWindow flag
	// a bulk-deletion pattern. Defaults: more than 10 in 1h.
	BulkDeleteThreshold int
	BulkDeleteWindow    time.Duration
	// EscalationWindow is the lookahead from a permission change to an
	// audit-log edit by the same actor. Default 1h.
	EscalationWindow time.Duration
	// VerifyConcurrency bounds parallel envelope verification. Default 4.
	VerifyConcurrency int
}

func (c DetectorConfig) normalize() DetectorConfig {
	if c.GapThreshold <= 0 {
		c.GapThreshold = time.Hour
	}
	if c.GapDensityCount <= 0 {
		c.GapDensityCount = 3
	}
	if c.GapDensityWindow <= 0 {
		c.GapDensityWindow = 10 * time.Minute
	}
	if c.BulkDeleteThreshold <= 0 {
		c.BulkDeleteThreshold = 10
	}
	if c.BulkDeleteWindow <= 0 {
		c.BulkDeleteWindow = time.Hour
	}
	if c.EscalationWindow <= 0 {
		c.EscalationWindow = time.Hour
	}
	if c.VerifyConcurrency <= 0 {
		c.VerifyConcurrency = 4
	}
	return c
}

// TamperDetector scans a tenant's persisted records for integrity violations
// and suspicious activity patterns. Scans only read; running the same scan
// twice over unchanged data produces an identical report.
type TamperDetector struct {
	sealer *SealService
	repo   ports.AuditRecordRepository
	cfg    DetectorConfig
	logger *zap.Logger
}

func NewTamperDetector(sealer *SealService, repo ports.AuditRecordRepository, cfg DetectorConfig, logger *zap.Logger) *TamperDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TamperDetector{sealer: sealer, repo: repo, cfg: cfg.normalize(), logger: logger}
}

func (d *TamperDetector) Scan(ctx context.Context, tenantID string, window domain.TimeWindow) (domain.TamperReport, error) {
	if err := domain.ValidateTenant(tenantID); err != nil {
		return domain.TamperReport{}, err
	}
	if err := window.Validate(); err != nil {
		return domain.TamperReport{}, err
	}

	records, err := d.repo.ListByTenant(ctx, tenantID, window, 0)
	if err != nil {
		return domain.TamperReport{}, fmt.Errorf("load records: %w", err)
	}

	violations, err := d.verifyAll(ctx, records)
	if err != nil {
		return domain.TamperReport{}, err
	}

	// The heuristics are mutually independent; fan out and join.
	var (
		wg         sync.WaitGroup
		gaps       []domain.SuspiciousPattern
		bulk       []domain.SuspiciousPattern
		escalation []domain.SuspiciousPattern
	)
	wg.Add(3)
	go func() { defer wg.Done(); gaps = d.detectTimeGaps(records) }()
	go func() { defer wg.Done(); bulk = d.detectBulkDeletions(records) }()
	go func() { defer wg.Done(); escalation = d.detectEscalationEdits(records) }()
	wg.Wait()

	patterns := make([]domain.SuspiciousPattern, 0, len(gaps)+len(bulk)+len(escalation))
	patterns = append(patterns, gaps...)
	patterns = append(patterns, bulk...)
	patterns = append(patterns, escalation...)
	sortPatterns(patterns)

	score := riskScore(len(violations), len(records), patterns)
	report := domain.TamperReport{
		TenantID:        tenantID,
		Window:          window,
		RecordsAnalyzed: len(records),
		Violations:      violations,
		Patterns:        patterns,
		RiskScore:       score,
		RiskLevel:       domain.RiskLevelFor(score),
	}
	d.logger.Info("tamper scan complete",
		zap.String("tenant", tenantID),
		zap.Int("records", len(records)),
		zap.Int("violations", len(violations)),
		zap.Int("patterns", len(patterns)),
		zap.Float64("risk_score", score))
	return report, nil
}

// verifyAll runs envelope verification over the ordered records with bounded
// concurrency, preserving record order in the violation list.
func (d *TamperDetector) verifyAll(ctx context.Context, records []domain.StoredRecord) ([]domain.Violation, error) {
	perRecord := make([][]domain.Violation, len(records))
	sem := make(chan struct{}, d.cfg.VerifyConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var infraErr error

	for i, sr := range records {
		wg.Add(1)
		go func(i int, sr domain.StoredRecord) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if sr.Envelope == nil || sr.SealState != domain.SealStateSealed {
				perRecord[i] = []domain.Violation{{
					RecordID: sr.Record.ID,
					Check:    domain.CheckPresence,
					Detail:   "record has no sealed envelope",
				}}
				return
			}
			res := d.sealer.Verify(ctx, sr.Record, *sr.Envelope)
			if !res.Checked {
				mu.Lock()
				if infraErr == nil {
					infraErr = fmt.Errorf("%w: record %s: %v", domain.ErrVerifyUnavailable, sr.Record.ID, res.Errors)
				}
				mu.Unlock()
				return
			}
			perRecord[i] = violationsFromResult(res)
		}(i, sr)
	}
	wg.Wait()

	if infraErr != nil {
		return nil, infraErr
	}
	var out []domain.Violation
	for _, vs := range perRecord {
		out = append(out, vs...)
	}
	return out, nil
}

func violationsFromResult(res domain.VerificationResult) []domain.Violation {
	var out []domain.Violation
	if !res.HashValid {
		out = append(out, domain.Violation{RecordID: res.RecordID, Check: domain.CheckHash, Detail: "record hash mismatch"})
	}
	if !res.SignatureValid {
		out = append(out, domain.Violation{RecordID: res.RecordID, Check: domain.CheckSignature, Detail: "signature verification failed"})
	}
	if !res.ChainValid {
		out = append(out, domain.Violation{RecordID: res.RecordID, Check: domain.CheckChain, Detail: "chain hash mismatch"})
	}
	return out
}

// detectTimeGaps flags silences longer than GapThreshold that are bracketed
// by dense activity on both sides, which suggests a deleted or hidden
// segment rather than ordinary quiet hours.
func (d *TamperDetector) detectTimeGaps(records []domain.StoredRecord) []domain.SuspiciousPattern {
	var out []domain.SuspiciousPattern
	for i := 1; i < len(records); i++ {
		before := records[i-1].Record.Timestamp
		after := records[i].Record.Timestamp
		if after.Sub(before) <= d.cfg.GapThreshold {
			continue
		}
		if !d.denseBefore(records, i-1) || !d.denseAfter(records, i) {
			continue
		}
		out = append(out, domain.SuspiciousPattern{
			Type:     domain.PatternTimeGap,
			Severity: domain.SeverityMedium,
			Start:    before,
			End:      after,
			Detail:   fmt.Sprintf("gap of %s between dense activity periods", after.Sub(before).Round(time.Second)),
		})
	}
	return out
}

func (d *TamperDetector) denseBefore(records []domain.StoredRecord, idx int) bool {
	cutoff := records[idx].Record.Timestamp.Add(-d.cfg.GapDensityWindow)
	count := 0
	for i := idx; i >= 0 && !records[i].Record.Timestamp.Before(cutoff); i-- {
		count++
		if count >= d.cfg.GapDensityCount {
			return true
		}
	}
	return false
}

func (d *TamperDetector) denseAfter(records []domain.StoredRecord, idx int) bool {
	cutoff := records[idx].Record.Timestamp.Add(d.cfg.GapDensityWindow)
	count := 0
	for i := idx; i < len(records) && !records[i].Record.Timestamp.After(cutoff); i++ {
		count++
		if count >= d.cfg.GapDensityCount {
			return true
		}
	}
	return false
}

// detectBulkDeletions flags actors issuing more than BulkDeleteThreshold
// delete actions inside any BulkDeleteWindow span. One pattern per actor,
// covering that actor's worst window.
func (d *TamperDetector) detectBulkDeletions(records []domain.StoredRecord) []domain.SuspiciousPattern {
	deletes := make(map[string][]time.Time)
	for _, sr := range records {
		if sr.Record.Action != domain.ActionDelete {
			continue
		}
		actor := sr.Record.Actor
		if actor == "" {
			actor = "system"
		}
		deletes[actor] = append(deletes[actor], sr.Record.Timestamp)
	}

	var out []domain.SuspiciousPattern
	for actor, times := range deletes {
		best, start, end := 0, time.Time{}, time.Time{}
		lo := 0
		for hi := range times {
			for times[hi].Sub(times[lo]) > d.cfg.BulkDeleteWindow {
				lo++
			}
			if n := hi - lo + 1; n > best {
				best, start, end = n, times[lo], times[hi]
			}
		}
		if best <= d.cfg.BulkDeleteThreshold {
			continue
		}
		out = append(out, domain.SuspiciousPattern{
			Type:     domain.PatternBulkDeletion,
			Severity: domain.SeverityHigh,
			Actor:    actor,
			Start:    start,
			End:      end,
			Count:    best,
			Detail:   fmt.Sprintf("%d delete actions by %s within %s", best, actor, d.cfg.BulkDeleteWindow),
		})
	}
	return out
}

// detectEscalationEdits flags a permission-modifying action followed within
// EscalationWindow by an audit-log edit from the same actor. Ranked most
// severe: it is the signature of covering one's tracks.
func (d *TamperDetector) detectEscalationEdits(records []domain.StoredRecord) []domain.SuspiciousPattern {
	var out []domain.SuspiciousPattern
	for i, sr := range records {
		if sr.Record.Action != domain.ActionPermissionChange || sr.Record.Actor == "" {
			continue
		}
		deadline := sr.Record.Timestamp.Add(d.cfg.EscalationWindow)
		for j := i + 1; j < len(records) && !records[j].Record.Timestamp.After(deadline); j++ {
			next := records[j].Record
			if next.Actor != sr.Record.Actor || !isAuditEdit(next) {
				continue
			}
			out = append(out, domain.SuspiciousPattern{
				Type:     domain.PatternEscalationAuditEdit,
				Severity: domain.SeverityCritical,
				Actor:    sr.Record.Actor,
				Start:    sr.Record.Timestamp,
				End:      next.Timestamp,
				Count:    2,
				Detail:   fmt.Sprintf("permission change followed by %s on %s within %s", next.Action, next.ResourceType, d.cfg.EscalationWindow),
			})
			break
		}
	}
	return out
}

func isAuditEdit(rec domain.AuditRecord) bool {
	if rec.Action == domain.ActionAuditRepair {
		return true
	}
	if rec.ResourceType != "audit_log" && rec.ResourceType != "audit_record" {
		return false
	}
	return rec.Action == domain.ActionUpdate || rec.Action == domain.ActionDelete
}

// riskScore weighs the violation ratio at 40% and adds a severity-weighted
// amount per pattern (critical 20, high 10, medium 5), capped at 100.
func riskScore(violations, analyzed int, patterns []domain.SuspiciousPattern) float64 {
	score := 0.0
	if analyzed > 0 {
		ratio := float64(violations) / float64(analyzed)
		if ratio > 1 {
			ratio = 1
		}
		score += ratio * 40
	}
	for _, p := range patterns {
		switch p.Severity {
		case domain.SeverityCritical:
			score += 20
		case domain.SeverityHigh:
			score += 10
		case domain.SeverityMedium:
			score += 5
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}

// sortPatterns orders findings deterministically so repeated scans over the
// same data compare equal.
func sortPatterns(patterns []domain.SuspiciousPattern) {
	sort.SliceStable(patterns, func(i, j int) bool {
		if !patterns[i].Start.Equal(patterns[j].Start) {
			return patterns[i].Start.Before(patterns[j].Start)
		}
		if patterns[i].Type != patterns[j].Type {
			return patterns[i].Type < patterns[j].Type
		}
		return patterns[i].Actor < patterns[j].Actor
	})
}
