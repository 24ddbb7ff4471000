package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cleartrail/auditapi/internal/adapters/httpapi"
	sqliteadapter "github.com/cleartrail/auditapi/internal/adapters/sqlite"
	"github.com/cleartrail/auditapi/internal/adapters/sqlite/gormsqlite"
	"github.com/cleartrail/auditapi/internal/core/domain"
	"github.com/cleartrail/auditapi/internal/core/usecase"
	"github.com/cleartrail/auditapi/migrations"
)

type Config struct {
	Addr             string
	DBPath           string
	SigningKeyBits   int
	ChainingEnabled  bool
	Buffer           usecase.BufferConfig
	Detector         usecase.DetectorConfig
	BootstrapAPIKey  string
	BootstrapTenant  string
	BootstrapKeyName string
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func NewServer(ctx context.Context, cfg Config, logger *zap.Logger) (*http.Server, io.Closer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gormsqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("resolve writer sql db: %w", err)
	}

	migCtx, migCancel := context.WithTimeout(ctx, 5*time.Second)
	defer migCancel()
	if err := migrations.Up(migCtx, writeSQLDB); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	recordRepo := sqliteadapter.NewAuditRecordRepository(db)
	keyRepo := sqliteadapter.NewKeyRepository(db)
	apiKeyRepo := sqliteadapter.NewAPIKeyRepository(db)

	keys := usecase.NewKeyProvider(keyRepo, cfg.SigningKeyBits, logger)
	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	err = keys.Init(initCtx)
	initCancel()
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init signing keys: %w", err)
	}

	sealer := usecase.NewSealService(
		usecase.NewCanonicalHasher(),
		usecase.NewChainLinker(),
		keys,
		recordRepo,
		cfg.ChainingEnabled,
		logger,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	buffer := usecase.NewLogBuffer(sealer, cfg.Buffer, usecase.NewBufferMetrics(registry), logger)
	buffer.Start(context.Background())

	detector := usecase.NewTamperDetector(sealer, recordRepo, cfg.Detector, logger)
	auditService := usecase.NewAuditService(sealer, buffer, detector, usecase.NewReportGenerator(), recordRepo, logger)
	authService := usecase.NewAuthService(apiKeyRepo)

	if cfg.BootstrapAPIKey != "" {
		tenant := cfg.BootstrapTenant
		if tenant == "" {
			tenant = "default"
		}
		name := cfg.BootstrapKeyName
		if name == "" {
			name = "bootstrap"
		}

		bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := apiKeyRepo.Upsert(bootstrapCtx, domain.APIKey{
			TokenHash: usecase.HashToken(cfg.BootstrapAPIKey),
			TenantID:  tenant,
			Name:      name,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		})
		bootstrapCancel()
		if err != nil {
			_ = buffer.Close()
			_ = db.Close()
			return nil, nil, fmt.Errorf("bootstrap api key: %w", err)
		}
	}

	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	handler, err := httpapi.NewHandler(auditService, authService, metricsHandler, logger)
	if err != nil {
		_ = buffer.Close()
		_ = db.Close()
		return nil, nil, fmt.Errorf("build http handler: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The buffer closes before the database so the final drain can still
	// reach storage.
	return server, resourceCloser{closers: []io.Closer{buffer, db}}, nil
}
