package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/cleartrail/auditapi/internal/app"
	"github.com/cleartrail/auditapi/internal/core/usecase"
)

func main() {
	cmd := &cli.Command{
		Name:  "auditapi",
		Usage: "Tamper-evident multi-tenant audit log API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: ":8080",
				Usage: "HTTP listen address",
			},
			&cli.StringFlag{
				Name:  "db-path",
				Value: "./auditapi.sqlite",
				Usage: "SQLite file path",
			},
			&cli.IntFlag{
				Name:  "signing-key-bits",
				Value: 2048,
				Usage: "RSA modulus size for generated signing keys",
			},
			&cli.BoolFlag{
				Name:  "chaining",
				Value: true,
				Usage: "Link each sealed record to its predecessor",
			},
			&cli.IntFlag{
				Name:  "buffer-capacity",
				Value: 2048,
				Usage: "In-memory event buffer capacity",
			},
			&cli.DurationFlag{
				Name:  "flush-interval",
				Value: 25 * time.Millisecond,
				Usage: "Longest a buffered event waits before sealing",
			},
			&cli.IntFlag{
				Name:  "flush-threshold",
				Value: 256,
				Usage: "Buffered event count that triggers an early flush",
			},
			&cli.DurationFlag{
				Name:  "latency-target",
				Value: 50 * time.Millisecond,
				Usage: "Per-submit latency budget for the fast path",
			},
			&cli.DurationFlag{
				Name:  "gap-threshold",
				Value: time.Hour,
				Usage: "Silence between records that the tamper scan flags",
			},
			&cli.IntFlag{
				Name:  "bulk-delete-threshold",
				Value: 10,
				Usage: "Deletes by one actor per window before flagging",
			},
			&cli.StringFlag{
				Name:    "bootstrap-api-key",
				Sources: cli.EnvVars("AUDITAPI_BOOTSTRAP_API_KEY"),
				Usage:   "Optional API key to upsert at startup",
			},
			&cli.StringFlag{
				Name:    "bootstrap-tenant",
				Value:   "default",
				Sources: cli.EnvVars("AUDITAPI_BOOTSTRAP_TENANT"),
				Usage:   "Tenant for bootstrap API key",
			},
			&cli.StringFlag{
				Name:    "bootstrap-key-name",
				Value:   "bootstrap",
				Sources: cli.EnvVars("AUDITAPI_BOOTSTRAP_KEY_NAME"),
				Usage:   "Name for bootstrap API key",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			cfg := app.Config{
				Addr:            c.String("addr"),
				DBPath:          c.String("db-path"),
				SigningKeyBits:  int(c.Int("signing-key-bits")),
				ChainingEnabled: c.Bool("chaining"),
				Buffer: usecase.BufferConfig{
					Capacity:       int(c.Int("buffer-capacity")),
					FlushInterval:  c.Duration("flush-interval"),
					FlushThreshold: int(c.Int("flush-threshold")),
					LatencyTarget:  c.Duration("latency-target"),
				},
				Detector: usecase.DetectorConfig{
					GapThreshold:        c.Duration("gap-threshold"),
					BulkDeleteThreshold: int(c.Int("bulk-delete-threshold")),
				},
				BootstrapAPIKey:  c.String("bootstrap-api-key"),
				BootstrapTenant:  c.String("bootstrap-tenant"),
				BootstrapKeyName: c.String("bootstrap-key-name"),
			}

			server, closer, err := app.NewServer(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			defer func() {
				if closeErr := closer.Close(); closeErr != nil {
					logger.Error("close resources", zap.Error(closeErr))
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", zap.String("addr", cfg.Addr))
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case sig := <-sigCh:
				logger.Info("received signal", zap.String("signal", sig.String()))
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
