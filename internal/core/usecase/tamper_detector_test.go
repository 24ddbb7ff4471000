package usecase

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/cleartrail/auditapi/internal/core/domain"
)

func newTestDetector(t *testing.T) (*TamperDetector, *SealService, *memRecordRepo) {
	t.Helper()
	sealer, repo := newTestSealer(t, true)
	detector := NewTamperDetector(sealer, repo, DetectorConfig{}, nil)
	return detector, sealer, repo
}

func seedSealed(t *testing.T, sealer *SealService, recs ...domain.AuditRecord) {
	t.Helper()
	for _, rec := range recs {
		if _, err := sealer.SealAndAppend(context.Background(), rec); err != nil {
			t.Fatalf("seed seal %s: %v", rec.ID, err)
		}
	}
}

func TestScanCleanRecords(t *testing.T) {
	detector, sealer, _ := newTestDetector(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedSealed(t, sealer,
		testRecord("acme", "r1", base),
		testRecord("acme", "r2", base.Add(time.Minute)),
		testRecord("acme", "r3", base.Add(2*time.Minute)),
	)

	report, err := detector.Scan(context.Background(), "acme", domain.TimeWindow{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.RecordsAnalyzed != 3 {
		t.Fatalf("expected 3 records analyzed, got %d", report.RecordsAnalyzed)
	}
	if len(report.Violations) != 0 || len(report.Patterns) != 0 {
		t.Fatalf("clean data must produce no findings: %+v", report)
	}
	if report.RiskScore != 0 || report.RiskLevel != domain.RiskLow {
		t.Fatalf("expected zero risk, got %.1f %s", report.RiskScore, report.RiskLevel)
	}
}

func TestScanFlagsTamperedRecord(t *testing.T) {
	detector, sealer, repo := newTestDetector(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedSealed(t, sealer,
		testRecord("acme", "r1", base),
		testRecord("acme", "r2", base.Add(time.Minute)),
		testRecord("acme", "r3", base.Add(2*time.Minute)),
	)

	// In-place content change behind the envelope's back.
	repo.mu.Lock()
	repo.entries[1].Record.Actor = "mallory"
	repo.mu.Unlock()

	report, err := detector.Scan(context.Background(), "acme", domain.TimeWindow{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(report.Violations) != 1 {
		t.Fatalf("expected one violation, got %+v", report.Violations)
	}
	v := report.Violations[0]
	if v.RecordID != "r2" || v.Check != domain.CheckHash {
		t.Fatalf("expected hash violation on r2, got %+v", v)
	}
	if report.RiskScore <= 0 {
		t.Fatal("violations must raise the risk score")
	}
}

func TestScanUnsealedRecordIsPresenceViolation(t *testing.T) {
	detector, sealer, repo := newTestDetector(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedSealed(t, sealer, testRecord("acme", "r1", base))
	if err := repo.AppendUnsealed(context.Background(), testRecord("acme", "r2", base.Add(time.Minute))); err != nil {
		t.Fatalf("append unsealed: %v", err)
	}

	report, err := detector.Scan(context.Background(), "acme", domain.TimeWindow{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(report.Violations) != 1 || report.Violations[0].Check != domain.CheckPresence {
		t.Fatalf("expected presence violation, got %+v", report.Violations)
	}
}

func TestScanBulkDeletionPattern(t *testing.T) {
	detector, sealer, _ := newTestDetector(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 11; i++ {
		rec := testRecord("acme", "del-"+string(rune('a'+i)), base.Add(time.Duration(i)*5*time.Minute))
		rec.Actor = "mallory"
		rec.Action = domain.ActionDelete
		seedSealed(t, sealer, rec)
	}

	report, err := detector.Scan(context.Background(), "acme", domain.TimeWindow{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(report.Patterns) != 1 {
		t.Fatalf("expected one pattern, got %+v", report.Patterns)
	}
	p := report.Patterns[0]
	if p.Type != domain.PatternBulkDeletion || p.Severity != domain.SeverityHigh {
		t.Fatalf("unexpected pattern: %+v", p)
	}
	if p.Actor != "mallory" || p.Count != 11 {
		t.Fatalf("expected 11 deletes by mallory, got %+v", p)
	}
}

func TestScanBulkDeletionRespectsWindow(t *testing.T) {
	detector, sealer, _ := newTestDetector(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	// 11 deletes spread over 11 hours: never more than threshold in one hour.
	for i := 0; i < 11; i++ {
		rec := testRecord("acme", "del-"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour))
		rec.Actor = "mallory"
		rec.Action = domain.ActionDelete
		seedSealed(t, sealer, rec)
	}

	report, err := detector.Scan(context.Background(), "acme", domain.TimeWindow{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	for _, p := range report.Patterns {
		if p.Type == domain.PatternBulkDeletion {
			t.Fatalf("spread-out deletes must not flag: %+v", p)
		}
	}
}

func TestScanEscalationThenAuditEdit(t *testing.T) {
	detector, sealer, _ := newTestDetector(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	grant := testRecord("acme", "r1", base)
	grant.Actor = "eve"
	grant.Action = domain.ActionPermissionChange
	grant.ResourceType = "role"

	edit := testRecord("acme", "r2", base.Add(10*time.Minute))
	edit.Actor = "eve"
	edit.Action = domain.ActionDelete
	edit.ResourceType = "audit_log"

	seedSealed(t, sealer, grant, edit)

	report, err := detector.Scan(context.Background(), "acme", domain.TimeWindow{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(report.Patterns) != 1 {
		t.Fatalf("expected one pattern, got %+v", report.Patterns)
	}
	p := report.Patterns[0]
	if p.Type != domain.PatternEscalationAuditEdit || p.Severity != domain.SeverityCritical || p.Actor != "eve" {
		t.Fatalf("unexpected pattern: %+v", p)
	}
	if report.RiskScore < 20 {
		t.Fatalf("critical pattern must weigh at least 20, got %.1f", report.RiskScore)
	}
}

func TestScanEscalationIgnoresDifferentActor(t *testing.T) {
	detector, sealer, _ := newTestDetector(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	grant := testRecord("acme", "r1", base)
	grant.Actor = "eve"
	grant.Action = domain.ActionPermissionChange

	edit := testRecord("acme", "r2", base.Add(10*time.Minute))
	edit.Actor = "adam"
	edit.Action = domain.ActionDelete
	edit.ResourceType = "audit_log"

	seedSealed(t, sealer, grant, edit)

	report, err := detector.Scan(context.Background(), "acme", domain.TimeWindow{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(report.Patterns) != 0 {
		t.Fatalf("different actors must not correlate: %+v", report.Patterns)
	}
}

func TestScanTimeGapRequiresDensity(t *testing.T) {
	detector, sealer, _ := newTestDetector(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	// Dense cluster, two hour silence, dense cluster.
	seedSealed(t, sealer,
		testRecord("acme", "a1", base),
		testRecord("acme", "a2", base.Add(2*time.Minute)),
		testRecord("acme", "a3", base.Add(4*time.Minute)),
		testRecord("acme", "b1", base.Add(4*time.Minute+2*time.Hour)),
		testRecord("acme", "b2", base.Add(6*time.Minute+2*time.Hour)),
		testRecord("acme", "b3", base.Add(8*time.Minute+2*time.Hour)),
	)

	report, err := detector.Scan(context.Background(), "acme", domain.TimeWindow{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(report.Patterns) != 1 || report.Patterns[0].Type != domain.PatternTimeGap {
		t.Fatalf("expected a time gap pattern, got %+v", report.Patterns)
	}

	// A sparse sequence with the same gap is ordinary quiet time.
	sparse, sparseSealer, _ := newTestDetector(t)
	seedSealed(t, sparseSealer,
		testRecord("globex", "s1", base),
		testRecord("globex", "s2", base.Add(2*time.Hour)),
		testRecord("globex", "s3", base.Add(4*time.Hour)),
	)
	sparseReport, err := sparse.Scan(context.Background(), "globex", domain.TimeWindow{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(sparseReport.Patterns) != 0 {
		t.Fatalf("sparse activity must not flag gaps: %+v", sparseReport.Patterns)
	}
}

func TestScanIsIdempotent(t *testing.T) {
	detector, sealer, repo := newTestDetector(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedSealed(t, sealer,
		testRecord("acme", "r1", base),
		testRecord("acme", "r2", base.Add(time.Minute)),
	)
	repo.mu.Lock()
	repo.entries[0].Record.ResourceID = "changed"
	repo.mu.Unlock()

	first, err := detector.Scan(context.Background(), "acme", domain.TimeWindow{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	second, err := detector.Scan(context.Background(), "acme", domain.TimeWindow{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated scans over unchanged data must match:\n%+v\n%+v", first, second)
	}
}

func TestScanRejectsInvalidInput(t *testing.T) {
	detector, _, _ := newTestDetector(t)

	if _, err := detector.Scan(context.Background(), "", domain.TimeWindow{}); err == nil {
		t.Fatal("expected tenant validation error")
	}
	bad := domain.TimeWindow{
		From: time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	if _, err := detector.Scan(context.Background(), "acme", bad); err == nil {
		t.Fatal("expected window validation error")
	}
}
