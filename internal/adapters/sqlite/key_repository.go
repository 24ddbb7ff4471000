package sqlite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/cleartrail/auditapi/internal/adapters/sqlite/gormsqlite"
	"github.com/cleartrail/auditapi/internal/core/domain"
)

type signingKeyModel struct {
	Version    int       `gorm:"column:version;primaryKey"`
	PrivatePEM []byte    `gorm:"column:private_pem;not null"`
	Active     bool      `gorm:"column:active;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

func (signingKeyModel) TableName() string {
	return "signing_keys"
}

type KeyRepository struct {
	db *gormsqlite.DB
}

func NewKeyRepository(db *gormsqlite.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

func (r *KeyRepository) Load(ctx context.Context) ([]domain.SigningKeypair, error) {
	var models []signingKeyModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Order("version ASC").Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}

	keys := make([]domain.SigningKeypair, 0, len(models))
	for _, model := range models {
		keys = append(keys, domain.SigningKeypair{
			Version:    model.Version,
			PrivatePEM: model.PrivatePEM,
			Active:     model.Active,
			CreatedAt:  model.CreatedAt,
		})
	}
	return keys, nil
}

// Save persists a keypair; an active one deactivates every other version in
// the same transaction so exactly one version signs at a time.
func (r *KeyRepository) Save(ctx context.Context, key domain.SigningKeypair) error {
	model := signingKeyModel{
		Version:    key.Version,
		PrivatePEM: key.PrivatePEM,
		Active:     key.Active,
		CreatedAt:  key.CreatedAt,
	}
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		if key.Active {
			if err := tx.Model(&signingKeyModel{}).Where("active = ?", true).Update("active", false).Error; err != nil {
				return err
			}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "version"}},
			DoUpdates: clause.AssignmentColumns([]string{"private_pem", "active"}),
		}).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("save signing key: %w", err)
	}
	return nil
}
