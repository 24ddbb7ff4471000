package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cleartrail/auditapi/internal/core/domain"
)

var errLatencyBudget = errors.New("latency budget exceeded")

// BufferConfig tunes the high-throughput logging path. Zero values are
// backfilled with the documented defaults.
type BufferConfig struct {
	// Capacity bounds the in-memory buffer. Default 2048 events.
	Capacity int
	// FlushInterval is the longest an accepted event waits before the flush
	// worker drains it. Default 25ms.
	FlushInterval time.Duration
	// FlushThreshold triggers an early drain once this many events are
	// buffered. Default 256.
	FlushThreshold int
	// LatencyTarget is the per-submit budget the fast path is held to.
	// Default 50ms.
	LatencyTarget time.Duration
	// BreakerThreshold consecutive latency violations open the breaker and
	// route submissions to the synchronous path. Default 5.
	BreakerThreshold int
	// BreakerCooldown is how long the breaker stays open before probing the
	// fast path again. Default 30s.
	BreakerCooldown time.Duration
}

func (c BufferConfig) normalize() BufferConfig {
	if c.Capacity <= 0 {
		c.Capacity = 2048
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 25 * time.Millisecond
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = 256
	}
	if c.LatencyTarget <= 0 {
		c.LatencyTarget = 50 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// SubmitResult tells the caller whether the fast path took the event.
// Accepted=false never means the event was dropped: the caller falls back to
// the synchronous sealing path instead. Latency degradation routes around
// the buffer; data loss does not.
type SubmitResult struct {
	Accepted  bool
	Fallback  bool // prefer the synchronous path right now
	LatencyMs float64
}

// BufferHealth is a point-in-time snapshot of the fast path.
type BufferHealth struct {
	FastPathHealthy bool
	Depth           int
	PendingRetry    int
}

// LogBuffer absorbs bursts of audit events with minimal caller latency and
// seals them in tenant batches from a background flush worker. Submit never
// does storage I/O; only the worker does. A circuit breaker tracks submit
// latency against the configured budget and, after repeated violations,
// steers callers to the synchronous path until conditions improve.
type LogBuffer struct {
	sealer  *SealService
	cfg     BufferConfig
	metrics *BufferMetrics
	logger  *zap.Logger

	events  chan domain.AuditRecord
	kick    chan struct{}
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending map[string][]domain.AuditRecord // per-tenant FIFO awaiting retry
}

func NewLogBuffer(sealer *SealService, cfg BufferConfig, metrics *BufferMetrics, logger *zap.Logger) *LogBuffer {
	cfg = cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &LogBuffer{
		sealer:  sealer,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		events:  make(chan domain.AuditRecord, cfg.Capacity),
		kick:    make(chan struct{}, 1),
		pending: make(map[string][]domain.AuditRecord),
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "audit-fast-path",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			healthy := to == gobreaker.StateClosed
			if metrics != nil {
				if healthy {
					metrics.FastPathHealthy.Set(1)
				} else {
					metrics.FastPathHealthy.Set(0)
				}
			}
			logger.Warn("fast path breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return b
}

func (b *LogBuffer) Start(parent context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	b.cancel = cancel
	b.wg.Add(1)
	go b.loop(ctx)
}

// Close stops the worker after a final drain, so accepted events are not lost
// on shutdown.
func (b *LogBuffer) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	return nil
}

// Submit appends the event to the buffer and acknowledges immediately. The
// caller must take Accepted=false as an instruction to log the event through
// the synchronous path instead.
func (b *LogBuffer) Submit(rec domain.AuditRecord) SubmitResult {
	start := time.Now()

	if b.breaker.State() != gobreaker.StateClosed {
		b.count("fallback")
		return SubmitResult{Fallback: true, LatencyMs: msSince(start)}
	}

	var accepted bool
	select {
	case b.events <- rec:
		accepted = true
	default:
	}

	latency := time.Since(start)
	// Feed the breaker: a submit past the budget counts as a violation even
	// though the event itself was accepted.
	_, _ = b.breaker.Execute(func() (any, error) {
		if latency > b.cfg.LatencyTarget {
			return nil, errLatencyBudget
		}
		return nil, nil
	})

	if b.metrics != nil {
		b.metrics.SubmitLatency.Observe(latency.Seconds())
		b.metrics.BufferDepth.Set(float64(len(b.events)))
	}
	if !accepted {
		b.count("rejected")
		return SubmitResult{Fallback: true, LatencyMs: float64(latency) / float64(time.Millisecond)}
	}
	if len(b.events) >= b.cfg.FlushThreshold {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	b.count("accepted")
	return SubmitResult{Accepted: true, LatencyMs: float64(latency) / float64(time.Millisecond)}
}

func (b *LogBuffer) Health() BufferHealth {
	b.mu.Lock()
	retry := 0
	for _, recs := range b.pending {
		retry += len(recs)
	}
	b.mu.Unlock()
	return BufferHealth{
		FastPathHealthy: b.breaker.State() == gobreaker.StateClosed,
		Depth:           len(b.events),
		PendingRetry:    retry,
	}
}

func (b *LogBuffer) loop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain with a fresh context: ctx is already cancelled.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			b.flush(drainCtx)
			cancel()
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.kick:
			b.flush(ctx)
		}
	}
}

// flush drains the channel into the per-tenant pending queues and attempts to
// seal and persist each tenant's batch in one transaction. A tenant whose
// write fails keeps its queue for the next tick; order within the tenant is
// preserved.
func (b *LogBuffer) flush(ctx context.Context) {
	b.mu.Lock()
	for {
		select {
		case rec := <-b.events:
			b.pending[rec.TenantID] = append(b.pending[rec.TenantID], rec)
		default:
			goto drained
		}
	}
drained:
	tenants := make([]string, 0, len(b.pending))
	for tenant := range b.pending {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	b.mu.Unlock()

	for _, tenant := range tenants {
		b.mu.Lock()
		batch := b.pending[tenant]
		delete(b.pending, tenant)
		b.mu.Unlock()
		if len(batch) == 0 {
			continue
		}
		b.flushTenant(ctx, tenant, batch)
	}
	if b.metrics != nil {
		b.metrics.BufferDepth.Set(float64(len(b.events)))
	}
}

func (b *LogBuffer) flushTenant(ctx context.Context, tenant string, batch []domain.AuditRecord) {
	_, err := b.sealer.SealBatch(ctx, tenant, batch)
	if err == nil {
		if b.metrics != nil {
			b.metrics.FlushBatches.Inc()
			b.metrics.FlushedRecords.Add(float64(len(batch)))
		}
		return
	}

	if errors.Is(err, domain.ErrNoSigningKey) || errors.Is(err, domain.ErrSealFailed) {
		// Sealing is down but the events must not be lost: persist them with
		// the explicit unsealed marker so a later repair pass can seal them.
		b.logger.Error("seal failed during flush, writing unsealed",
			zap.String("tenant", tenant), zap.Int("count", len(batch)), zap.Error(err))
		if b.metrics != nil {
			b.metrics.SealFailures.Inc()
		}
		b.appendUnsealed(ctx, tenant, batch)
		return
	}

	// Storage failure: requeue the whole tenant batch ahead of anything that
	// arrived meanwhile and retry next tick.
	b.logger.Error("flush failed, retrying batch",
		zap.String("tenant", tenant), zap.Int("count", len(batch)), zap.Error(err))
	b.mu.Lock()
	b.pending[tenant] = append(batch, b.pending[tenant]...)
	b.mu.Unlock()
}

func (b *LogBuffer) appendUnsealed(ctx context.Context, tenant string, batch []domain.AuditRecord) {
	for i, rec := range batch {
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now().UTC()
		}
		if err := b.sealer.repo.AppendUnsealed(ctx, rec); err != nil {
			b.logger.Error("unsealed append failed, retrying batch remainder",
				zap.String("tenant", tenant), zap.Error(err))
			b.mu.Lock()
			b.pending[tenant] = append(append([]domain.AuditRecord{}, batch[i:]...), b.pending[tenant]...)
			b.mu.Unlock()
			return
		}
	}
}

func (b *LogBuffer) count(outcome string) {
	if b.metrics != nil {
		b.metrics.Submissions.WithLabelValues(outcome).Inc()
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
