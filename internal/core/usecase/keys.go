package usecase

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cleartrail/auditapi/internal/core/domain"
	"github.com/cleartrail/auditapi/internal/core/ports"
)

const minKeyBits = 2048

// KeyProvider owns the versioned RSA keyring used for sealing and verifying.
// On Init it loads persisted keypairs and generates the first one when none
// exist. One version is active for signing; every loaded version remains
// available for verifying records sealed under it. Safe for concurrent reads
// from many logging goroutines.
//
// If no key can be loaded or generated the provider fails closed: signing
// reports domain.ErrNoSigningKey and nothing is ever written with a missing
// or fabricated signature.
type KeyProvider struct {
	repo   ports.KeyRepository
	bits   int
	logger *zap.Logger

	mu     sync.RWMutex
	keys   map[int]*rsa.PrivateKey
	active int // 0 when no usable key
}

func NewKeyProvider(repo ports.KeyRepository, bits int, logger *zap.Logger) *KeyProvider {
	if bits < minKeyBits {
		bits = minKeyBits
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyProvider{repo: repo, bits: bits, logger: logger, keys: make(map[int]*rsa.PrivateKey)}
}

// Init loads the persisted keyring, generating and persisting version 1 when
// the store is empty.
func (p *KeyProvider) Init(ctx context.Context) error {
	stored, err := p.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sk := range stored {
		key, err := parsePrivateKeyPEM(sk.PrivatePEM)
		if err != nil {
			return fmt.Errorf("parse signing key version %d: %w", sk.Version, err)
		}
		p.keys[sk.Version] = key
		if sk.Active {
			p.active = sk.Version
		}
	}
	if p.active != 0 {
		p.logger.Info("signing keyring loaded",
			zap.Int("versions", len(p.keys)),
			zap.Int("active_version", p.active))
		return nil
	}
	if len(p.keys) > 0 {
		return fmt.Errorf("%w: keyring has no active version", domain.ErrNoSigningKey)
	}

	return p.generateLocked(ctx, 1)
}

// Rotate generates and persists a new active key version. In-flight
// verifications of older records keep working: previous versions stay in the
// keyring.
func (p *KeyProvider) Rotate(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.active + 1
	for {
		if _, exists := p.keys[next]; !exists {
			break
		}
		next++
	}
	if err := p.generateLocked(ctx, next); err != nil {
		return 0, err
	}
	return next, nil
}

func (p *KeyProvider) generateLocked(ctx context.Context, version int) error {
	key, err := rsa.GenerateKey(rand.Reader, p.bits)
	if err != nil {
		return fmt.Errorf("%w: generate rsa key: %v", domain.ErrNoSigningKey, err)
	}
	pemBytes, err := marshalPrivateKeyPEM(key)
	if err != nil {
		return fmt.Errorf("%w: encode rsa key: %v", domain.ErrNoSigningKey, err)
	}
	if err := p.repo.Save(ctx, domain.SigningKeypair{
		Version:    version,
		PrivatePEM: pemBytes,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("persist signing key: %w", err)
	}
	p.keys[version] = key
	p.active = version
	p.logger.Info("signing key generated", zap.Int("version", version), zap.Int("bits", p.bits))
	return nil
}

// SigningKey returns the active private key and its version tag.
func (p *KeyProvider) SigningKey() (int, *rsa.PrivateKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.active == 0 {
		return 0, nil, domain.ErrNoSigningKey
	}
	key, ok := p.keys[p.active]
	if !ok {
		return 0, nil, domain.ErrNoSigningKey
	}
	return p.active, key, nil
}

// VerificationKey returns the public key for the version an envelope was
// signed under.
func (p *KeyProvider) VerificationKey(version int) (*rsa.PublicKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok := p.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: version %d", domain.ErrUnknownKey, version)
	}
	return &key.PublicKey, nil
}

func marshalPrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an rsa private key")
	}
	return key, nil
}
