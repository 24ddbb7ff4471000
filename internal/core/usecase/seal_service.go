package usecase

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cleartrail/auditapi/internal/core/domain"
	"github.com/cleartrail/auditapi/internal/core/ports"
)

var pssOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// SealService produces and verifies integrity envelopes. Sealing hashes the
// record's canonical form, links it into the tenant's chain and signs the
// result with the active key. All chain read-modify-writes for one tenant go
// through that tenant's lock, so envelopes are sealed in a strict per-tenant
// order; records without a timestamp are stamped under the same lock, which
// keeps that order identical to timestamp order. Tenants proceed fully in
// parallel.
type SealService struct {
	hasher *CanonicalHasher
	linker *ChainLinker
	keys   *KeyProvider
	repo   ports.AuditRecordRepository
	cache  *chainCache
	logger *zap.Logger
	now    func() time.Time

	chainingEnabled bool
}

func NewSealService(hasher *CanonicalHasher, linker *ChainLinker, keys *KeyProvider, repo ports.AuditRecordRepository, chainingEnabled bool, logger *zap.Logger) *SealService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SealService{
		hasher:          hasher,
		linker:          linker,
		keys:            keys,
		repo:            repo,
		cache:           newChainCache(),
		logger:          logger,
		now:             time.Now,
		chainingEnabled: chainingEnabled,
	}
}

// Seal computes the record's envelope and advances the tenant's cached chain
// head. A record with a zero timestamp is stamped under the tenant lock; the
// caller must persist the record as returned through rec. SealAndAppend is
// the variant that keeps cache and store consistent when the write can fail.
func (s *SealService) Seal(ctx context.Context, rec *domain.AuditRecord) (domain.Envelope, error) {
	tc := s.cache.tenant(rec.TenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return s.sealLocked(ctx, tc, rec)
}

// SealAndAppend seals the record and persists record plus envelope in one
// transaction. Either both are durable or neither is; the cached chain head
// is rolled back if the write fails.
func (s *SealService) SealAndAppend(ctx context.Context, rec domain.AuditRecord) (domain.Envelope, error) {
	tc := s.cache.tenant(rec.TenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()

	prevHead, prevLoaded := tc.head, tc.loaded
	env, err := s.sealLocked(ctx, tc, &rec)
	if err != nil {
		return domain.Envelope{}, err
	}
	if err := s.repo.AppendSealed(ctx, rec, env); err != nil {
		tc.head, tc.loaded = prevHead, prevLoaded
		return domain.Envelope{}, fmt.Errorf("append sealed record: %w", err)
	}
	return env, nil
}

// SealBatch seals a tenant's records in slice order and persists them in a
// single transaction, amortizing the chain-head lookup across the batch.
func (s *SealService) SealBatch(ctx context.Context, tenantID string, recs []domain.AuditRecord) ([]ports.SealedRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	tc := s.cache.tenant(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()

	prevHead, prevLoaded := tc.head, tc.loaded
	batch := make([]ports.SealedRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.TenantID != tenantID {
			tc.head, tc.loaded = prevHead, prevLoaded
			return nil, fmt.Errorf("record %s does not belong to tenant %s", rec.ID, tenantID)
		}
		env, err := s.sealLocked(ctx, tc, &rec)
		if err != nil {
			tc.head, tc.loaded = prevHead, prevLoaded
			return nil, err
		}
		batch = append(batch, ports.SealedRecord{Record: rec, Envelope: env})
	}
	if err := s.repo.AppendBatch(ctx, tenantID, batch); err != nil {
		tc.head, tc.loaded = prevHead, prevLoaded
		return nil, fmt.Errorf("append batch: %w", err)
	}
	return batch, nil
}

// Reseal builds a fresh envelope for a record against an explicit predecessor
// chain hash. Used by the repair path, which walks the chain itself and
// invalidates the cache afterwards.
func (s *SealService) Reseal(ctx context.Context, rec domain.AuditRecord, prevChainHash string) (domain.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", domain.ErrSealFailed, err)
	}
	recordHash, err := s.hasher.Hash(rec)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", domain.ErrSealFailed, err)
	}
	return s.buildEnvelope(recordHash, prevChainHash)
}

// InvalidateChain drops the tenant's cached chain head.
func (s *SealService) InvalidateChain(tenantID string) {
	s.cache.invalidate(tenantID)
}

func (s *SealService) sealLocked(ctx context.Context, tc *tenantChain, rec *domain.AuditRecord) (domain.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", domain.ErrSealFailed, err)
	}

	// Intake leaves the timestamp unset so it is assigned here, inside the
	// tenant's serialization point. Seal order and timestamp order can then
	// never diverge, whichever intake path a record arrived through.
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}

	recordHash, err := s.hasher.Hash(*rec)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", domain.ErrSealFailed, err)
	}

	prev := ""
	if s.chainingEnabled {
		if !tc.loaded {
			head, err := s.repo.LatestEnvelope(ctx, rec.TenantID)
			switch {
			case err == nil:
				tc.head = head.ChainHash
			case errors.Is(err, domain.ErrNotFound):
				tc.head = ""
			default:
				return domain.Envelope{}, fmt.Errorf("read chain head: %w", err)
			}
			tc.loaded = true
		}
		prev = tc.head
	}

	env, err := s.buildEnvelope(recordHash, prev)
	if err != nil {
		return domain.Envelope{}, err
	}
	if s.chainingEnabled {
		tc.head = env.ChainHash
	}
	return env, nil
}

// buildEnvelope signs the chain hash (or the record hash when chaining is
// disabled) with RSA-PSS. A signing failure fails the whole seal: no envelope
// is ever produced with a missing component.
func (s *SealService) buildEnvelope(recordHash, prevChainHash string) (domain.Envelope, error) {
	env := domain.Envelope{
		RecordHash:   recordHash,
		HashAlg:      domain.HashAlgSHA256,
		SignatureAlg: domain.SigAlgRSAPSSSHA256,
		SignedAt:     s.now().UTC(),
	}
	if s.chainingEnabled {
		env.ChainHash = s.linker.Link(recordHash, prevChainHash)
	}

	version, key, err := s.keys.SigningKey()
	if err != nil {
		return domain.Envelope{}, err
	}
	digest := sha256.Sum256(env.SignedMaterial())
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], pssOpts)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: sign: %v", domain.ErrSealFailed, err)
	}
	env.Signature = base64.StdEncoding.EncodeToString(sig)
	env.KeyVersion = version
	return env, nil
}

// Verify independently recomputes the record hash, re-verifies the signature
// and recomputes the expected chain link, reporting each check on its own. A
// tampered record is an expected, reportable outcome, never an error; only
// infrastructure failure (or a caller timeout) yields Checked=false.
func (s *SealService) Verify(ctx context.Context, rec domain.AuditRecord, env domain.Envelope) domain.VerificationResult {
	res := domain.VerificationResult{RecordID: rec.ID, Checked: true}

	s.verifyHash(&res, rec, env)
	s.verifySignature(&res, env)
	s.verifyChain(ctx, &res, rec, env)

	if err := ctx.Err(); err != nil {
		res.Checked = false
		res.Errors = append(res.Errors, fmt.Sprintf("verify interrupted: %v", err))
	}
	return res
}

// VerifyAgainst is Verify with the predecessor chain hash supplied by the
// caller instead of read from storage. The repair path uses it while walking
// a tenant's chain front to back.
func (s *SealService) VerifyAgainst(rec domain.AuditRecord, env domain.Envelope, prevChainHash string) domain.VerificationResult {
	res := domain.VerificationResult{RecordID: rec.ID, Checked: true}

	s.verifyHash(&res, rec, env)
	s.verifySignature(&res, env)

	switch {
	case !s.chainingEnabled && env.ChainHash == "":
		res.ChainValid = true
	case env.ChainHash == "":
		res.Errors = append(res.Errors, "chain: envelope has no chain hash")
	case s.linker.Link(env.RecordHash, prevChainHash) == env.ChainHash:
		res.ChainValid = true
	default:
		res.Errors = append(res.Errors, "chain: stored chain hash does not match predecessor")
	}
	return res
}

func (s *SealService) verifyHash(res *domain.VerificationResult, rec domain.AuditRecord, env domain.Envelope) {
	expected, err := s.hasher.Hash(rec)
	if err != nil {
		res.Checked = false
		res.Errors = append(res.Errors, fmt.Sprintf("hash: %v", err))
		return
	}
	if expected == env.RecordHash {
		res.HashValid = true
		return
	}
	res.Errors = append(res.Errors, "hash: record content does not match stored record hash")
}

func (s *SealService) verifySignature(res *domain.VerificationResult, env domain.Envelope) {
	pub, err := s.keys.VerificationKey(env.KeyVersion)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("signature: %v", err))
		return
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		res.Errors = append(res.Errors, "signature: malformed signature encoding")
		return
	}
	digest := sha256.Sum256(env.SignedMaterial())
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, pssOpts); err != nil {
		res.Errors = append(res.Errors, "signature: verification failed")
		return
	}
	res.SignatureValid = true
}

// verifyChain recomputes the expected link from the stored record hash and
// the true persisted predecessor, so the chain check stays independent of the
// content check.
func (s *SealService) verifyChain(ctx context.Context, res *domain.VerificationResult, rec domain.AuditRecord, env domain.Envelope) {
	if !s.chainingEnabled && env.ChainHash == "" {
		res.ChainValid = true
		return
	}
	if env.ChainHash == "" {
		res.Errors = append(res.Errors, "chain: envelope has no chain hash")
		return
	}

	prev := ""
	prevEnv, err := s.repo.PrecedingEnvelope(ctx, rec.TenantID, rec.ID)
	switch {
	case err == nil:
		prev = prevEnv.ChainHash
	case errors.Is(err, domain.ErrNotFound):
		// genesis: empty predecessor by convention
	default:
		res.Checked = false
		res.Errors = append(res.Errors, fmt.Sprintf("chain: read predecessor: %v", err))
		return
	}

	if s.linker.Link(env.RecordHash, prev) == env.ChainHash {
		res.ChainValid = true
		return
	}
	res.Errors = append(res.Errors, "chain: stored chain hash does not match predecessor")
}
