package usecase

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cleartrail/auditapi/internal/core/domain"
)

func TestCanonicalBytesExactForm(t *testing.T) {
	h := NewCanonicalHasher()
	rec := domain.AuditRecord{
		ID:           "r1",
		TenantID:     "acme",
		Action:       domain.ActionCreate,
		ResourceType: "document",
		Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	got, err := h.CanonicalBytes(rec)
	if err != nil {
		t.Fatalf("canonical bytes: %v", err)
	}
	want := `{"action":"create","actor":null,"id":"r1","origin":null,"payload":null,"resource_id":null,"resource_type":"document","tenant":"acme","timestamp":"2026-01-02T03:04:05Z"}`
	if string(got) != want {
		t.Fatalf("canonical form mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestCanonicalHashDeterministic(t *testing.T) {
	h := NewCanonicalHasher()
	rec := domain.AuditRecord{
		ID:           "r1",
		TenantID:     "acme",
		Actor:        "alice",
		Action:       domain.ActionUpdate,
		ResourceType: "document",
		ResourceID:   "doc-9",
		Origin:       domain.Origin{IP: "10.0.0.1", UserAgent: "cli/1.0"},
		Payload: map[string]any{
			"zeta":  1,
			"alpha": "x",
			"mid":   map[string]any{"b": 2, "a": 1},
		},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 600700800, time.UTC),
	}

	first, err := h.Hash(rec)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := h.Hash(rec)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		if again != first {
			t.Fatalf("hash not deterministic: %s vs %s", again, first)
		}
	}
	if len(first) != 64 {
		t.Fatalf("expected lower-hex sha256, got %q", first)
	}
}

func TestCanonicalHashNormalizesTimezone(t *testing.T) {
	h := NewCanonicalHasher()
	utc := domain.AuditRecord{
		ID: "r1", TenantID: "acme", Action: domain.ActionRead, ResourceType: "file",
		Timestamp: time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC),
	}
	offset := utc
	offset.Timestamp = utc.Timestamp.In(time.FixedZone("EET", 2*3600))

	a, err := h.Hash(utc)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := h.Hash(offset)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a != b {
		t.Fatal("same instant in different zones must hash identically")
	}
}

func TestCanonicalHashDistinguishesPayloadStates(t *testing.T) {
	h := NewCanonicalHasher()
	base := domain.AuditRecord{
		ID: "r1", TenantID: "acme", Action: domain.ActionRead, ResourceType: "file",
		Timestamp: time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC),
	}
	withEmpty := base
	withEmpty.Payload = map[string]any{}

	a, err := h.Hash(base)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := h.Hash(withEmpty)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a == b {
		t.Fatal("absent payload and empty payload must hash differently")
	}
}

func TestCanonicalHashChangesWithContent(t *testing.T) {
	h := NewCanonicalHasher()
	base := domain.AuditRecord{
		ID: "r1", TenantID: "acme", Actor: "alice", Action: domain.ActionRead,
		ResourceType: "file", Timestamp: time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC),
	}
	changed := base
	changed.Actor = "bob"

	a, err := h.Hash(base)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := h.Hash(changed)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a == b {
		t.Fatal("different content must hash differently")
	}
}

func TestCanonicalPartialOrigin(t *testing.T) {
	h := NewCanonicalHasher()
	rec := domain.AuditRecord{
		ID: "r1", TenantID: "acme", Action: domain.ActionLogin, ResourceType: "session",
		Origin:    domain.Origin{IP: "10.0.0.1"},
		Timestamp: time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC),
	}

	got, err := h.CanonicalBytes(rec)
	if err != nil {
		t.Fatalf("canonical bytes: %v", err)
	}
	want := `"origin":{"ip":"10.0.0.1","user_agent":null}`
	if !strings.Contains(string(got), want) {
		t.Fatalf("expected %s inside %s", want, got)
	}
}

func TestCanonicalHashStableAcrossJSONRoundTrip(t *testing.T) {
	h := NewCanonicalHasher()
	rec := domain.AuditRecord{
		ID:           "r1",
		TenantID:     "acme",
		Action:       domain.ActionExport,
		ResourceType: "dataset",
		// Values a Go caller can supply but JSON cannot represent exactly.
		Payload: map[string]any{
			"rows":  int64(1) << 60,
			"ratio": float32(0.1),
			"tags":  []string{"a", "b"},
		},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	before, err := h.Hash(rec)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	// A storage round trip re-reads the payload as generic JSON values.
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var reread map[string]any
	if err := json.Unmarshal(data, &reread); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	rec.Payload = reread

	after, err := h.Hash(rec)
	if err != nil {
		t.Fatalf("hash after round trip: %v", err)
	}
	if before != after {
		t.Fatalf("hash must not depend on the caller's Go number types:\n before %s\n after  %s", before, after)
	}
}
