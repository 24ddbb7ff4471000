package ports

import (
	"context"

	"github.com/cleartrail/auditapi/internal/core/domain"
)

// SealedRecord pairs a record with the envelope to persist alongside it.
type SealedRecord struct {
	Record   domain.AuditRecord
	Envelope domain.Envelope
}

// AuditRecordRepository is the append-only record store. A record and its
// envelope (or its explicit unsealed marker) are always written in the same
// transaction.
type AuditRecordRepository interface {
	AppendSealed(ctx context.Context, rec domain.AuditRecord, env domain.Envelope) error
	AppendUnsealed(ctx context.Context, rec domain.AuditRecord) error

	// AppendBatch persists all records of one tenant batch in a single
	// transaction, in slice order.
	AppendBatch(ctx context.Context, tenantID string, batch []SealedRecord) error

	Get(ctx context.Context, id string) (domain.StoredRecord, error)

	// ListByTenant returns the tenant's records inside the window ordered by
	// timestamp ascending. limit <= 0 means no limit.
	ListByTenant(ctx context.Context, tenantID string, window domain.TimeWindow, limit int) ([]domain.StoredRecord, error)

	// ListChain returns all of the tenant's records in seal order, the order
	// the chain links them in. Chain walks must use this, not ListByTenant.
	ListChain(ctx context.Context, tenantID string) ([]domain.StoredRecord, error)

	// LatestEnvelope returns the tenant's chain head. domain.ErrNotFound
	// means the tenant has no sealed records yet (genesis).
	LatestEnvelope(ctx context.Context, tenantID string) (domain.Envelope, error)

	// PrecedingEnvelope returns the envelope of the sealed record immediately
	// before the given record in the tenant's seal order, or
	// domain.ErrNotFound when the record is the first of its chain.
	PrecedingEnvelope(ctx context.Context, tenantID, recordID string) (domain.Envelope, error)

	// ReplaceEnvelope swaps a record's envelope. Used only by the repair path.
	ReplaceEnvelope(ctx context.Context, recordID string, env domain.Envelope) error
}
