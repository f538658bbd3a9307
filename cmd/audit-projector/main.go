// Package main provides the audit projector entry point. It consumes the
// audit trail and keeps per-patient chart access counts in Postgres.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-chart/internal/audit"
	"github.com/drfirst/go-chart/internal/config"
	"github.com/drfirst/go-chart/internal/infrastructure/postgres"
	"github.com/drfirst/go-chart/internal/infrastructure/redpanda"
	"github.com/drfirst/go-chart/internal/observability/logging"
	"github.com/drfirst/go-chart/internal/observability/metrics"
	"github.com/drfirst/go-chart/internal/observability/tracing"
	"github.com/drfirst/go-chart/pkg/idempotency"
)

const (
	serviceName = "audit-projector"
	// metricsAddr serves the projector's Prometheus metrics.
	metricsAddr = ":9103"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required for the audit projector")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCfg := tracing.DefaultConfig(serviceName)
	tracingCfg.Enabled = cfg.TracingEnabled
	tracingCfg.Environment = cfg.Env
	tracingCfg.OTLPEndpoint = cfg.OTLPEndpoint
	tracingCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup(ctx)
	projector := audit.NewProjector(inbox, logger, m)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.AuditConsumerGroup
	consumerCfg.Topics = []string{cfg.AuditTopic}
	consumer, err := redpanda.NewConsumer(consumerCfg, handler(projector), logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start(ctx)
	logger.Info("audit projector started",
		zap.String("topic", cfg.AuditTopic),
		zap.String("group", cfg.AuditConsumerGroup))

	<-ctx.Done()

	logger.Info("shutting down")
	consumer.Stop()
	inbox.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", zap.Error(err))
	}

	stats := consumer.Stats()
	logger.Info("audit projector stopped",
		zap.Int64("messages", stats.MessagesRead),
		zap.Int64("skipped", stats.Skipped))
}

// applier projects one audit message.
type applier interface {
	Apply(ctx context.Context, payload []byte) error
}

// handler adapts p to the consumer. Malformed events are never retried.
func handler(p applier) redpanda.MessageHandler {
	return func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		err := p.Apply(ctx, msg.Value)
		if errors.Is(err, audit.ErrMalformedEvent) {
			return backoff.Permanent(err)
		}
		return err
	}
}
