package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cleartrail/auditapi/internal/adapters/sqlite/gormsqlite"
	"github.com/cleartrail/auditapi/internal/core/domain"
	"github.com/cleartrail/auditapi/internal/core/ports"
)

// auditRecordModel stores a record and its envelope in one row, so the two
// can never be durable separately. seq is the insertion order, which under
// the per-tenant seal lock is also the chain order.
type auditRecordModel struct {
	Seq             int64      `gorm:"column:seq;primaryKey;autoIncrement"`
	RecordID        string     `gorm:"column:record_id;not null;uniqueIndex"`
	TenantID        string     `gorm:"column:tenant_id;not null;index:idx_audit_tenant_ts"`
	Actor           string     `gorm:"column:actor;not null"`
	Action          string     `gorm:"column:action;not null"`
	ResourceType    string     `gorm:"column:resource_type;not null"`
	ResourceID      string     `gorm:"column:resource_id;not null"`
	OriginIP        string     `gorm:"column:origin_ip;not null"`
	OriginUserAgent string     `gorm:"column:origin_user_agent;not null"`
	PayloadJSON     string     `gorm:"column:payload_json;not null"`
	Timestamp       time.Time  `gorm:"column:ts;not null;index:idx_audit_tenant_ts"`
	SealState       string     `gorm:"column:seal_state;not null"`
	RecordHash      string     `gorm:"column:record_hash;not null"`
	HashAlg         string     `gorm:"column:hash_alg;not null"`
	ChainHash       string     `gorm:"column:chain_hash;not null"`
	Signature       string     `gorm:"column:signature;not null"`
	SignatureAlg    string     `gorm:"column:signature_alg;not null"`
	KeyVersion      int        `gorm:"column:key_version;not null"`
	SignedAt        *time.Time `gorm:"column:signed_at"`
}

func (auditRecordModel) TableName() string {
	return "audit_records"
}

type AuditRecordRepository struct {
	db *gormsqlite.DB
}

func NewAuditRecordRepository(db *gormsqlite.DB) *AuditRecordRepository {
	return &AuditRecordRepository{db: db}
}

var _ ports.AuditRecordRepository = (*AuditRecordRepository)(nil)

func (r *AuditRecordRepository) AppendSealed(ctx context.Context, rec domain.AuditRecord, env domain.Envelope) error {
	model, err := toModel(rec, &env)
	if err != nil {
		return err
	}
	err = r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("insert sealed record: %w", err)
	}
	return nil
}

func (r *AuditRecordRepository) AppendUnsealed(ctx context.Context, rec domain.AuditRecord) error {
	model, err := toModel(rec, nil)
	if err != nil {
		return err
	}
	err = r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("insert unsealed record: %w", err)
	}
	return nil
}

func (r *AuditRecordRepository) AppendBatch(ctx context.Context, tenantID string, batch []ports.SealedRecord) error {
	if len(batch) == 0 {
		return nil
	}
	models := make([]auditRecordModel, 0, len(batch))
	for _, sr := range batch {
		if sr.Record.TenantID != tenantID {
			return fmt.Errorf("record %s does not belong to tenant %s", sr.Record.ID, tenantID)
		}
		model, err := toModel(sr.Record, &sr.Envelope)
		if err != nil {
			return err
		}
		models = append(models, model)
	}
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		for i := range models {
			if err := tx.Create(&models[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert record batch: %w", err)
	}
	return nil
}

func (r *AuditRecordRepository) Get(ctx context.Context, id string) (domain.StoredRecord, error) {
	var model auditRecordModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("record_id = ?", id).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.StoredRecord{}, domain.ErrNotFound
		}
		return domain.StoredRecord{}, fmt.Errorf("get record: %w", err)
	}
	return toDomain(model)
}

func (r *AuditRecordRepository) ListByTenant(ctx context.Context, tenantID string, window domain.TimeWindow, limit int) ([]domain.StoredRecord, error) {
	var models []auditRecordModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Model(&auditRecordModel{}).Where("tenant_id = ?", tenantID)
		if !window.From.IsZero() {
			query = query.Where("ts >= ?", window.From)
		}
		if !window.To.IsZero() {
			query = query.Where("ts <= ?", window.To)
		}
		query = query.Order("ts ASC").Order("seq ASC")
		if limit > 0 {
			query = query.Limit(limit)
		}
		return query.Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	out := make([]domain.StoredRecord, 0, len(models))
	for _, model := range models {
		sr, err := toDomain(model)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, nil
}

func (r *AuditRecordRepository) ListChain(ctx context.Context, tenantID string) ([]domain.StoredRecord, error) {
	var models []auditRecordModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&auditRecordModel{}).
			Where("tenant_id = ?", tenantID).
			Order("seq ASC").
			Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list chain: %w", err)
	}

	out := make([]domain.StoredRecord, 0, len(models))
	for _, model := range models {
		sr, err := toDomain(model)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, nil
}

func (r *AuditRecordRepository) LatestEnvelope(ctx context.Context, tenantID string) (domain.Envelope, error) {
	var model auditRecordModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("tenant_id = ? AND seal_state = ?", tenantID, string(domain.SealStateSealed)).
			Order("seq DESC").
			First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Envelope{}, domain.ErrNotFound
		}
		return domain.Envelope{}, fmt.Errorf("latest envelope: %w", err)
	}
	env := envelopeFromModel(model)
	if env == nil {
		return domain.Envelope{}, domain.ErrNotFound
	}
	return *env, nil
}

func (r *AuditRecordRepository) PrecedingEnvelope(ctx context.Context, tenantID, recordID string) (domain.Envelope, error) {
	var model auditRecordModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		var anchor auditRecordModel
		if err := tx.Select("seq").Where("record_id = ?", recordID).First(&anchor).Error; err != nil {
			return err
		}
		return tx.Where("tenant_id = ? AND seal_state = ? AND seq < ?", tenantID, string(domain.SealStateSealed), anchor.Seq).
			Order("seq DESC").
			First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Envelope{}, domain.ErrNotFound
		}
		return domain.Envelope{}, fmt.Errorf("preceding envelope: %w", err)
	}
	env := envelopeFromModel(model)
	if env == nil {
		return domain.Envelope{}, domain.ErrNotFound
	}
	return *env, nil
}

func (r *AuditRecordRepository) ReplaceEnvelope(ctx context.Context, recordID string, env domain.Envelope) error {
	signedAt := env.SignedAt
	updates := map[string]any{
		"seal_state":    string(domain.SealStateSealed),
		"record_hash":   env.RecordHash,
		"hash_alg":      env.HashAlg,
		"chain_hash":    env.ChainHash,
		"signature":     env.Signature,
		"signature_alg": env.SignatureAlg,
		"key_version":   env.KeyVersion,
		"signed_at":     &signedAt,
	}
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		res := tx.Model(&auditRecordModel{}).Where("record_id = ?", recordID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("replace envelope: %w", err)
	}
	return nil
}

func toModel(rec domain.AuditRecord, env *domain.Envelope) (auditRecordModel, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return auditRecordModel{}, fmt.Errorf("marshal payload: %w", err)
	}
	model := auditRecordModel{
		RecordID:        rec.ID,
		TenantID:        rec.TenantID,
		Actor:           rec.Actor,
		Action:          string(rec.Action),
		ResourceType:    rec.ResourceType,
		ResourceID:      rec.ResourceID,
		OriginIP:        rec.Origin.IP,
		OriginUserAgent: rec.Origin.UserAgent,
		PayloadJSON:     string(payload),
		Timestamp:       rec.Timestamp.UTC(),
		SealState:       string(domain.SealStateUnsealed),
	}
	if env != nil {
		signedAt := env.SignedAt
		model.SealState = string(domain.SealStateSealed)
		model.RecordHash = env.RecordHash
		model.HashAlg = env.HashAlg
		model.ChainHash = env.ChainHash
		model.Signature = env.Signature
		model.SignatureAlg = env.SignatureAlg
		model.KeyVersion = env.KeyVersion
		model.SignedAt = &signedAt
	}
	return model, nil
}

func toDomain(model auditRecordModel) (domain.StoredRecord, error) {
	var payload map[string]any
	if model.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(model.PayloadJSON), &payload); err != nil {
			return domain.StoredRecord{}, fmt.Errorf("unmarshal payload for %s: %w", model.RecordID, err)
		}
	}
	return domain.StoredRecord{
		Record: domain.AuditRecord{
			ID:           model.RecordID,
			TenantID:     model.TenantID,
			Actor:        model.Actor,
			Action:       domain.Action(model.Action),
			ResourceType: model.ResourceType,
			ResourceID:   model.ResourceID,
			Origin:       domain.Origin{IP: model.OriginIP, UserAgent: model.OriginUserAgent},
			Payload:      payload,
			Timestamp:    model.Timestamp.UTC(),
		},
		Envelope:  envelopeFromModel(model),
		SealState: domain.SealState(model.SealState),
	}, nil
}

func envelopeFromModel(model auditRecordModel) *domain.Envelope {
	if model.SealState != string(domain.SealStateSealed) || model.RecordHash == "" {
		return nil
	}
	env := &domain.Envelope{
		RecordHash:   model.RecordHash,
		HashAlg:      model.HashAlg,
		ChainHash:    model.ChainHash,
		Signature:    model.Signature,
		SignatureAlg: model.SignatureAlg,
		KeyVersion:   model.KeyVersion,
	}
	if model.SignedAt != nil {
		env.SignedAt = model.SignedAt.UTC()
	}
	return env
}
