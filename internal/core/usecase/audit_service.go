package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cleartrail/auditapi/internal/core/domain"
	"github.com/cleartrail/auditapi/internal/core/ports"
)

// LogEventInput is one audit fact as supplied by the caller. Identity and
// timestamp are assigned by the service.
type LogEventInput struct {
	TenantID     string
	Actor        string
	Action       domain.Action
	ResourceType string
	ResourceID   string
	Origin       domain.Origin
	Payload      map[string]any
}

// LogEventOutput reports how the event was taken in. Buffered events are
// sealed shortly after by the flush worker; Envelope is only present when the
// event went through the synchronous path.
type LogEventOutput struct {
	RecordID string           `json:"record_id"`
	Sealed   bool             `json:"sealed"`
	Buffered bool             `json:"buffered"`
	Envelope *domain.Envelope `json:"envelope,omitempty"`
}

// AuditService is the facade the surrounding API layer talks to. It routes
// writes through the fast buffered path when one is configured, falling back
// to synchronous sealing whenever the buffer declines, and exposes the
// verification, scanning, reporting, repair and statistics operations.
type AuditService struct {
	sealer   *SealService
	buffer   *LogBuffer // nil disables the fast path
	detector *TamperDetector
	reports  *ReportGenerator
	repo     ports.AuditRecordRepository
	logger   *zap.Logger
}

func NewAuditService(sealer *SealService, buffer *LogBuffer, detector *TamperDetector, reports *ReportGenerator, repo ports.AuditRecordRepository, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{
		sealer:   sealer,
		buffer:   buffer,
		detector: detector,
		reports:  reports,
		repo:     repo,
		logger:   logger,
	}
}

func (s *AuditService) LogEvent(ctx context.Context, in LogEventInput) (LogEventOutput, error) {
	// The timestamp stays unset here. The sealer assigns it under the
	// tenant's lock, so a buffered record flushed after a sync-fallback
	// record also carries the later timestamp.
	rec := domain.AuditRecord{
		ID:           uuid.NewString(),
		TenantID:     in.TenantID,
		Actor:        in.Actor,
		Action:       in.Action,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		Origin:       in.Origin,
		Payload:      in.Payload,
	}
	if err := rec.Validate(); err != nil {
		return LogEventOutput{}, err
	}

	if s.buffer != nil {
		if res := s.buffer.Submit(rec); res.Accepted {
			return LogEventOutput{RecordID: rec.ID, Buffered: true}, nil
		}
		// Buffer full or fast path degraded: take the synchronous path so
		// the event is not lost.
	}

	env, err := s.sealer.SealAndAppend(ctx, rec)
	if err != nil {
		return LogEventOutput{}, err
	}
	return LogEventOutput{RecordID: rec.ID, Sealed: true, Envelope: &env}, nil
}

func (s *AuditService) VerifyRecord(ctx context.Context, recordID string) (domain.VerificationResult, error) {
	stored, err := s.repo.Get(ctx, recordID)
	if err != nil {
		return domain.VerificationResult{}, err
	}
	if stored.Envelope == nil || stored.SealState != domain.SealStateSealed {
		return domain.VerificationResult{
			RecordID: recordID,
			Checked:  true,
			Errors:   []string{"record has no sealed envelope"},
		}, nil
	}
	res := s.sealer.Verify(ctx, stored.Record, *stored.Envelope)
	if !res.Checked {
		return res, fmt.Errorf("%w: %v", domain.ErrVerifyUnavailable, res.Errors)
	}
	return res, nil
}

func (s *AuditService) BatchVerify(ctx context.Context, tenantID string, window domain.TimeWindow) (domain.BatchVerification, error) {
	if err := domain.ValidateTenant(tenantID); err != nil {
		return domain.BatchVerification{}, err
	}
	if err := window.Validate(); err != nil {
		return domain.BatchVerification{}, err
	}
	records, err := s.repo.ListByTenant(ctx, tenantID, window, 0)
	if err != nil {
		return domain.BatchVerification{}, fmt.Errorf("load records: %w", err)
	}

	out := domain.BatchVerification{TotalLogs: len(records)}
	for _, sr := range records {
		if sr.Envelope == nil || sr.SealState != domain.SealStateSealed {
			out.InvalidLogs++
			continue
		}
		res := s.sealer.Verify(ctx, sr.Record, *sr.Envelope)
		if !res.Checked {
			return domain.BatchVerification{}, fmt.Errorf("%w: record %s: %v", domain.ErrVerifyUnavailable, sr.Record.ID, res.Errors)
		}
		if res.IsValid() {
			out.ValidLogs++
		} else {
			out.InvalidLogs++
		}
	}
	if out.TotalLogs > 0 {
		out.IntegrityScorePercent = float64(out.ValidLogs) / float64(out.TotalLogs) * 100
	} else {
		out.IntegrityScorePercent = 100
	}
	return out, nil
}

func (s *AuditService) DetectTampering(ctx context.Context, tenantID string, window domain.TimeWindow) (domain.TamperReport, error) {
	return s.detector.Scan(ctx, tenantID, window)
}

func (s *AuditService) GenerateIntegrityReport(ctx context.Context, tenantID string, window domain.TimeWindow) (domain.IntegrityReport, error) {
	scan, err := s.detector.Scan(ctx, tenantID, window)
	if err != nil {
		return domain.IntegrityReport{}, err
	}
	return s.reports.Generate(scan), nil
}

// RepairViolations re-seals records whose envelope is missing or invalid,
// walking the tenant's chain front to back so every repaired link is
// computed against its true predecessor. The repair itself is recorded as a
// new audit fact so it stays auditable. When recordIDs is empty every broken
// record is eligible.
func (s *AuditService) RepairViolations(ctx context.Context, tenantID string, recordIDs []string) (domain.RepairOutcome, error) {
	if err := domain.ValidateTenant(tenantID); err != nil {
		return domain.RepairOutcome{}, err
	}
	records, err := s.repo.ListChain(ctx, tenantID)
	if err != nil {
		return domain.RepairOutcome{}, fmt.Errorf("load records: %w", err)
	}

	targeted := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		targeted[id] = true
	}
	eligible := func(id string) bool { return len(targeted) == 0 || targeted[id] }

	outcome := domain.RepairOutcome{Details: []domain.RepairDetail{}}
	prev := ""
	for _, sr := range records {
		broken := sr.Envelope == nil || sr.SealState != domain.SealStateSealed
		if !broken {
			res := s.sealer.VerifyAgainst(sr.Record, *sr.Envelope, prev)
			broken = !res.IsValid()
		}
		if !broken {
			prev = sr.Envelope.ChainHash
			continue
		}
		if !eligible(sr.Record.ID) {
			// Not selected for repair: keep walking with its stored chain
			// hash so selected successors are repaired against reality.
			if sr.Envelope != nil {
				prev = sr.Envelope.ChainHash
			}
			continue
		}

		env, err := s.sealer.Reseal(ctx, sr.Record, prev)
		if err == nil {
			err = s.repo.ReplaceEnvelope(ctx, sr.Record.ID, env)
		}
		if err != nil {
			outcome.FailedCount++
			outcome.Details = append(outcome.Details, domain.RepairDetail{RecordID: sr.Record.ID, Error: err.Error()})
			if sr.Envelope != nil {
				prev = sr.Envelope.ChainHash
			}
			continue
		}
		outcome.RepairedCount++
		outcome.Details = append(outcome.Details, domain.RepairDetail{RecordID: sr.Record.ID, Repaired: true})
		prev = env.ChainHash
	}

	// Repairs rewrote chain links; the cached head is stale.
	s.sealer.InvalidateChain(tenantID)

	if outcome.RepairedCount > 0 || outcome.FailedCount > 0 {
		repairFact := domain.AuditRecord{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			Action:       domain.ActionAuditRepair,
			ResourceType: "audit_log",
			Payload: map[string]any{
				"repaired_count": outcome.RepairedCount,
				"failed_count":   outcome.FailedCount,
				"targeted":       len(recordIDs) > 0,
			},
		}
		if _, err := s.sealer.SealAndAppend(ctx, repairFact); err != nil {
			return outcome, fmt.Errorf("record repair fact: %w", err)
		}
	}
	s.logger.Info("repair complete",
		zap.String("tenant", tenantID),
		zap.Int("repaired", outcome.RepairedCount),
		zap.Int("failed", outcome.FailedCount))
	return outcome, nil
}

func (s *AuditService) GetStatistics(ctx context.Context, tenantID string, window domain.TimeWindow) (domain.Statistics, error) {
	scan, err := s.detector.Scan(ctx, tenantID, window)
	if err != nil {
		return domain.Statistics{}, err
	}
	records, err := s.repo.ListByTenant(ctx, tenantID, window, 0)
	if err != nil {
		return domain.Statistics{}, fmt.Errorf("load records: %w", err)
	}

	stats := domain.Statistics{TotalLogs: len(records), RiskLevel: scan.RiskLevel}
	for _, sr := range records {
		if sr.SealState == domain.SealStateSealed && sr.Envelope != nil {
			stats.ProtectedLogs++
		}
	}
	if stats.TotalLogs > 0 {
		stats.ProtectionRatePercent = float64(stats.ProtectedLogs) / float64(stats.TotalLogs) * 100
	} else {
		stats.ProtectionRatePercent = 100
	}
	return stats, nil
}

// ListRecords returns a tenant's stored records for operational inspection.
func (s *AuditService) ListRecords(ctx context.Context, tenantID string, window domain.TimeWindow, limit int) ([]domain.StoredRecord, error) {
	if err := domain.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return s.repo.ListByTenant(ctx, tenantID, window, limit)
}

// GetRecord fetches one stored record by id.
func (s *AuditService) GetRecord(ctx context.Context, recordID string) (domain.StoredRecord, error) {
	if recordID == "" {
		return domain.StoredRecord{}, errors.New("record id required")
	}
	return s.repo.Get(ctx, recordID)
}

// Health reports the fast-path state for the health endpoint.
func (s *AuditService) Health() BufferHealth {
	if s.buffer == nil {
		return BufferHealth{FastPathHealthy: true}
	}
	return s.buffer.Health()
}
