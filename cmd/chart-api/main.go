// Package main provides the chart API service entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-chart/internal/api/handlers"
	"github.com/drfirst/go-chart/internal/api/middleware"
	"github.com/drfirst/go-chart/internal/audit"
	"github.com/drfirst/go-chart/internal/chart/service"
	"github.com/drfirst/go-chart/internal/config"
	"github.com/drfirst/go-chart/internal/fhirclient"
	"github.com/drfirst/go-chart/internal/infrastructure/postgres"
	"github.com/drfirst/go-chart/internal/observability/logging"
	"github.com/drfirst/go-chart/internal/observability/metrics"
	"github.com/drfirst/go-chart/internal/observability/tracing"
	"github.com/drfirst/go-chart/internal/session"
	"github.com/drfirst/go-chart/internal/viewstate"
	"github.com/drfirst/go-chart/pkg/circuitbreaker"
)

const serviceName = "chart-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger is configured from cfg, so report on stderr.
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

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
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)

	sess := session.NewPending()
	if cfg.FHIRAccessToken != "" {
		sess = session.NewBearer(cfg.FHIRAccessToken)
	} else {
		logger.Warn("no FHIR access token configured; chart loads will report not ready")
	}

	breakers := circuitbreaker.NewManager(logger)
	clientCfg := fhirclient.DefaultConfig(cfg.FHIRBaseURL)
	clientCfg.Timeout = cfg.FHIRTimeout
	clientCfg.MaxRetries = uint(cfg.FHIRMaxRetries)
	client, err := fhirclient.New(clientCfg, sess,
		fhirclient.WithLogger(logger),
		fhirclient.WithMetrics(m),
		fhirclient.WithBreakers(breakers))
	if err != nil {
		logger.Fatal("fhir client init failed", zap.Error(err))
	}

	var (
		recorder audit.Recorder = audit.NewLogRecorder(logger)
		pool     *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("schema setup failed", zap.Error(err))
		}
		recorder = audit.NewPostgresRecorder(pool, cfg.AuditTopic)
		logger.Info("audit events go to the outbox", zap.String("topic", cfg.AuditTopic))
	}

	charts := service.New(client, recorder,
		service.WithLogger(logger),
		service.WithMetrics(m))
	viewers := viewstate.NewRegistry(charts,
		viewstate.WithLogger(logger),
		viewstate.WithMetrics(m),
		viewstate.WithTimeout(cfg.ViewerLoadTimeout))

	patientHandler := handlers.NewPatientHandler(charts, client, cfg.Locale, logger)
	if pool != nil {
		// Counts are filled in by the audit projector.
		patientHandler.WithAccess(audit.NewSummaryReader(pool))
	}
	viewerHandler := handlers.NewViewerHandler(viewers, cfg.Locale, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		status := readiness(r.Context(), sess, breakers, pool)
		code := http.StatusOK
		if !status.Ready {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeyMap()))
		r.Use(middleware.Logger(logger))
		r.Use(middleware.Actor)
		r.Mount("/patients", patientHandler.Routes())
		r.Mount("/viewer", viewerHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ViewerLoadTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting chart API",
		zap.String("port", cfg.Port),
		zap.String("fhir_base_url", cfg.FHIRBaseURL),
		zap.String("locale", cfg.Locale))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// readyStatus is the body of /ready.
type readyStatus struct {
	Ready    bool                          `json:"ready"`
	Session  string                        `json:"session"`
	Database string                        `json:"database,omitempty"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers"`
}

func readiness(ctx context.Context, sess session.Session, breakers *circuitbreaker.Manager, pool *pgxpool.Pool) readyStatus {
	status := readyStatus{
		Ready:    true,
		Session:  sess.State().String(),
		Breakers: breakers.GetHealthStatus(),
	}
	if session.Check(sess) != nil || !breakers.Healthy() {
		status.Ready = false
	}
	if pool != nil {
		status.Database = "ok"
		if err := pool.Ping(ctx); err != nil {
			status.Database = err.Error()
			status.Ready = false
		}
	}
	return status
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"chart-api","version":"1.0.0"}`))
}
