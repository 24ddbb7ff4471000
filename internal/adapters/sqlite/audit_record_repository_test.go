package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cleartrail/auditapi/internal/adapters/sqlite/gormsqlite"
	"github.com/cleartrail/auditapi/internal/core/domain"
	"github.com/cleartrail/auditapi/internal/core/ports"
	"github.com/cleartrail/auditapi/migrations"
)

func newTestDB(t *testing.T) *gormsqlite.DB {
	t.Helper()
	ctx := context.Background()

	db, err := gormsqlite.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	sqlDB, err := db.WriteSQLDB()
	if err != nil {
		t.Fatalf("writer sql db: %v", err)
	}
	if err := migrations.Up(ctx, sqlDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func sealedFixture(tenant, id string, ts time.Time, chainHash string) ports.SealedRecord {
	return ports.SealedRecord{
		Record: domain.AuditRecord{
			ID:           id,
			TenantID:     tenant,
			Actor:        "alice",
			Action:       domain.ActionCreate,
			ResourceType: "document",
			ResourceID:   "doc-1",
			Origin:       domain.Origin{IP: "10.0.0.1", UserAgent: "cli/1.0"},
			Payload:      map[string]any{"size": float64(42), "name": "report.pdf"},
			Timestamp:    ts,
		},
		Envelope: domain.Envelope{
			RecordHash:   "hash-" + id,
			HashAlg:      domain.HashAlgSHA256,
			ChainHash:    chainHash,
			Signature:    "sig-" + id,
			SignatureAlg: domain.SigAlgRSAPSSSHA256,
			KeyVersion:   1,
			SignedAt:     ts,
		},
	}
}

func TestAuditRecordRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRecordRepository(newTestDB(t))
	ts := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	fx := sealedFixture("acme", "r1", ts, "chain-r1")

	if err := repo.AppendSealed(ctx, fx.Record, fx.Envelope); err != nil {
		t.Fatalf("append sealed: %v", err)
	}

	stored, err := repo.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.SealState != domain.SealStateSealed || stored.Envelope == nil {
		t.Fatalf("expected sealed record, got %+v", stored)
	}
	if stored.Record.Actor != "alice" || stored.Record.Origin.IP != "10.0.0.1" {
		t.Fatalf("record fields lost: %+v", stored.Record)
	}
	if stored.Record.Payload["name"] != "report.pdf" || stored.Record.Payload["size"] != float64(42) {
		t.Fatalf("payload lost: %+v", stored.Record.Payload)
	}
	if stored.Envelope.ChainHash != "chain-r1" || stored.Envelope.Signature != "sig-r1" {
		t.Fatalf("envelope fields lost: %+v", stored.Envelope)
	}
	if !stored.Record.Timestamp.Equal(ts) {
		t.Fatalf("timestamp changed: %s vs %s", stored.Record.Timestamp, ts)
	}
}

func TestAuditRecordRepositoryGetMissing(t *testing.T) {
	repo := NewAuditRecordRepository(newTestDB(t))
	if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendBatchAndChainQueries(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRecordRepository(newTestDB(t))
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	batch := []ports.SealedRecord{
		sealedFixture("acme", "r1", base, "chain-r1"),
		sealedFixture("acme", "r2", base.Add(time.Minute), "chain-r2"),
		sealedFixture("acme", "r3", base.Add(2*time.Minute), "chain-r3"),
	}
	if err := repo.AppendBatch(ctx, "acme", batch); err != nil {
		t.Fatalf("append batch: %v", err)
	}

	latest, err := repo.LatestEnvelope(ctx, "acme")
	if err != nil {
		t.Fatalf("latest envelope: %v", err)
	}
	if latest.ChainHash != "chain-r3" {
		t.Fatalf("expected chain head r3, got %s", latest.ChainHash)
	}

	prev, err := repo.PrecedingEnvelope(ctx, "acme", "r2")
	if err != nil {
		t.Fatalf("preceding envelope: %v", err)
	}
	if prev.ChainHash != "chain-r1" {
		t.Fatalf("expected predecessor r1, got %s", prev.ChainHash)
	}

	if _, err := repo.PrecedingEnvelope(ctx, "acme", "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("first record has no predecessor, got %v", err)
	}
	if _, err := repo.LatestEnvelope(ctx, "globex"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("empty tenant has no chain head, got %v", err)
	}
}

func TestListChainFollowsSealOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRecordRepository(newTestDB(t))
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	// Insertion order runs against timestamp order on purpose.
	first := sealedFixture("acme", "r-late", base.Add(time.Hour), "chain-1")
	second := sealedFixture("acme", "r-early", base, "chain-2")
	if err := repo.AppendSealed(ctx, first.Record, first.Envelope); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := repo.AppendSealed(ctx, second.Record, second.Envelope); err != nil {
		t.Fatalf("append second: %v", err)
	}

	chain, err := repo.ListChain(ctx, "acme")
	if err != nil {
		t.Fatalf("list chain: %v", err)
	}
	if len(chain) != 2 || chain[0].Record.ID != "r-late" || chain[1].Record.ID != "r-early" {
		t.Fatalf("chain listing must follow seal order, got %+v", chain)
	}

	byTime, err := repo.ListByTenant(ctx, "acme", domain.TimeWindow{}, 0)
	if err != nil {
		t.Fatalf("list by tenant: %v", err)
	}
	if byTime[0].Record.ID != "r-early" {
		t.Fatalf("timestamp listing must stay timestamp ordered, got %+v", byTime)
	}

	// PrecedingEnvelope agrees with the chain listing, not the timestamps.
	prev, err := repo.PrecedingEnvelope(ctx, "acme", "r-early")
	if err != nil {
		t.Fatalf("preceding envelope: %v", err)
	}
	if prev.ChainHash != "chain-1" {
		t.Fatalf("expected seal-order predecessor, got %s", prev.ChainHash)
	}
}

func TestAppendBatchRejectsForeignTenant(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRecordRepository(newTestDB(t))
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	batch := []ports.SealedRecord{
		sealedFixture("acme", "r1", base, "chain-r1"),
		sealedFixture("globex", "r2", base.Add(time.Minute), "chain-r2"),
	}
	if err := repo.AppendBatch(ctx, "acme", batch); err == nil {
		t.Fatal("expected tenant mismatch error")
	}
	if _, err := repo.Get(ctx, "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("rejected batch must persist nothing, got %v", err)
	}
}

func TestListByTenantWindowAndOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRecordRepository(newTestDB(t))
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		fx := sealedFixture("acme", fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Hour), fmt.Sprintf("chain-r%d", i))
		if err := repo.AppendSealed(ctx, fx.Record, fx.Envelope); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	other := sealedFixture("globex", "g1", base, "chain-g1")
	if err := repo.AppendSealed(ctx, other.Record, other.Envelope); err != nil {
		t.Fatalf("append other tenant: %v", err)
	}

	window := domain.TimeWindow{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)}
	records, err := repo.ListByTenant(ctx, "acme", window, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records in window, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Record.Timestamp.Before(records[i-1].Record.Timestamp) {
			t.Fatal("records out of timestamp order")
		}
	}

	limited, err := repo.ListByTenant(ctx, "acme", domain.TimeWindow{}, 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 || limited[0].Record.ID != "r0" {
		t.Fatalf("expected first 2 records, got %+v", limited)
	}
}

func TestReplaceEnvelopeSealsUnsealedRecord(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRecordRepository(newTestDB(t))
	ts := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	fx := sealedFixture("acme", "r1", ts, "chain-r1")

	if err := repo.AppendUnsealed(ctx, fx.Record); err != nil {
		t.Fatalf("append unsealed: %v", err)
	}
	stored, err := repo.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.SealState != domain.SealStateUnsealed || stored.Envelope != nil {
		t.Fatalf("expected explicit unsealed state, got %+v", stored)
	}

	if err := repo.ReplaceEnvelope(ctx, "r1", fx.Envelope); err != nil {
		t.Fatalf("replace envelope: %v", err)
	}
	stored, err = repo.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get after replace: %v", err)
	}
	if stored.SealState != domain.SealStateSealed || stored.Envelope == nil {
		t.Fatalf("expected sealed record after replace, got %+v", stored)
	}
	if stored.Envelope.ChainHash != "chain-r1" {
		t.Fatalf("unexpected envelope: %+v", stored.Envelope)
	}

	if err := repo.ReplaceEnvelope(ctx, "nope", fx.Envelope); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendSealedRejectsDuplicateRecordID(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRecordRepository(newTestDB(t))
	ts := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	fx := sealedFixture("acme", "r1", ts, "chain-r1")

	if err := repo.AppendSealed(ctx, fx.Record, fx.Envelope); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.AppendSealed(ctx, fx.Record, fx.Envelope); err == nil {
		t.Fatal("record ids are append-once, duplicate must fail")
	}
}
