package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cleartrail/auditapi/internal/core/domain"
)

// CanonicalHasher computes the deterministic hash of an audit record's
// semantic fields. The canonical form doubles as a wire format: any
// independent verifier that follows it reproduces the same hash.
//
// Canonical form: the JSON object
//
//	{"action","actor","id","origin","payload","resource_id","resource_type","tenant","timestamp"}
//
// with keys in lexicographic order at every nesting level, absent optional
// fields encoded as explicit null (never omitted), origin as
// {"ip","user_agent"} or null when both parts are empty, payload values
// reduced to their JSON-native forms, timestamps as RFC 3339 with nanosecond
// precision in UTC, and no insignificant whitespace. The hash is lower-case
// hex SHA-256 over those bytes. The envelope is not part of the material and
// can never leak into it.
type CanonicalHasher struct{}

func NewCanonicalHasher() *CanonicalHasher {
	return &CanonicalHasher{}
}

func (h *CanonicalHasher) Hash(rec domain.AuditRecord) (string, error) {
	material, err := h.CanonicalBytes(rec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalBytes returns the canonical serialization of the record. Exposed
// so verifiers and tests can inspect the exact signed-over material.
func (h *CanonicalHasher) CanonicalBytes(rec domain.AuditRecord) ([]byte, error) {
	payload, err := canonicalPayload(rec.Payload)
	if err != nil {
		return nil, err
	}
	// encoding/json sorts map keys lexicographically at every nesting
	// level, which is exactly the canonical ordering rule.
	material := map[string]any{
		"action":        string(rec.Action),
		"actor":         nullable(rec.Actor),
		"id":            rec.ID,
		"origin":        canonicalOrigin(rec.Origin),
		"payload":       payload,
		"resource_id":   nullable(rec.ResourceID),
		"resource_type": rec.ResourceType,
		"tenant":        rec.TenantID,
		"timestamp":     rec.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(material)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical form: %w", err)
	}
	return data, nil
}

// nullable encodes an unset optional field as explicit null so the key
// always appears in the canonical form.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func canonicalOrigin(o domain.Origin) any {
	if o.IP == "" && o.UserAgent == "" {
		return nil
	}
	return map[string]any{
		"ip":         nullable(o.IP),
		"user_agent": nullable(o.UserAgent),
	}
}

// canonicalPayload reduces payload values to their JSON-native forms by a
// marshal and unmarshal round trip. A record then hashes identically before
// and after a trip through storage, whatever Go number types the caller
// supplied.
func canonicalPayload(p map[string]any) (any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	return normalized, nil
}
