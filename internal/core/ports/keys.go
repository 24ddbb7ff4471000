package ports

import (
	"context"

	"github.com/cleartrail/auditapi/internal/core/domain"
)

// KeyRepository persists versioned signing keypairs.
type KeyRepository interface {
	// Load returns all stored keypairs. An empty slice means no key exists
	// yet and the provider should generate one.
	Load(ctx context.Context) ([]domain.SigningKeypair, error)

	// Save persists a keypair. Saving an active keypair deactivates all
	// previously active versions in the same transaction.
	Save(ctx context.Context, key domain.SigningKeypair) error
}
