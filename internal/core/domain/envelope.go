package domain

import (
	"errors"
	"time"
)

var (
	ErrNoSigningKey      = errors.New("no usable signing key")
	ErrUnknownKey        = errors.New("unknown key version")
	ErrSealFailed        = errors.New("seal failed")
	ErrAlreadySealed     = errors.New("record already sealed")
	ErrVerifyUnavailable = errors.New("verification unavailable")
)

const (
	HashAlgSHA256      = "SHA-256"
	SigAlgRSAPSSSHA256 = "RSA-PSS-SHA256"
)

// SealState marks whether a durable record carries a valid envelope. Records
// are never stored in an ambiguous state: they are either sealed or explicitly
// marked unsealed.
type SealState string

const (
	SealStateSealed   SealState = "sealed"
	SealStateUnsealed SealState = "unsealed"
)

// Envelope is the integrity bundle attached 1:1 to an AuditRecord: the hash
// of the record's canonical form, the chain hash linking it to the tenant's
// prior history, and an RSA-PSS signature over the chain hash (or the record
// hash when chaining is disabled).
type Envelope struct {
	RecordHash   string    `json:"record_hash"`
	HashAlg      string    `json:"hash_alg"`
	ChainHash    string    `json:"chain_hash,omitempty"` // empty only when chaining is disabled
	Signature    string    `json:"signature"`            // base64 std encoded
	SignatureAlg string    `json:"signature_alg"`
	KeyVersion   int       `json:"key_version"`
	SignedAt     time.Time `json:"signed_at"`
}

// SignedMaterial returns the bytes the signature covers.
func (e Envelope) SignedMaterial() []byte {
	if e.ChainHash != "" {
		return []byte(e.ChainHash)
	}
	return []byte(e.RecordHash)
}

// StoredRecord is a persisted AuditRecord together with its envelope state.
type StoredRecord struct {
	Record    AuditRecord
	Envelope  *Envelope // nil when SealState is unsealed
	SealState SealState
}

// Check names a single integrity property of an envelope.
type Check string

const (
	CheckHash      Check = "hash"
	CheckSignature Check = "signature"
	CheckChain     Check = "chain"
	CheckPresence  Check = "envelope_present"
)

// VerificationResult reports each integrity check independently so forensic
// output can say which property was violated. Checked=false means the checks
// could not be completed (infrastructure failure or timeout), which is never
// the same as valid.
type VerificationResult struct {
	RecordID       string
	Checked        bool
	HashValid      bool
	SignatureValid bool
	ChainValid     bool
	Errors         []string
}

func (r VerificationResult) IsValid() bool {
	return r.Checked && r.HashValid && r.SignatureValid && r.ChainValid
}
