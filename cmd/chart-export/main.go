// Package main provides the chart export command. It builds the charts of
// the given patients concurrently and writes each one to <out>/<id>.json.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-chart/internal/audit"
	"github.com/drfirst/go-chart/internal/chart"
	"github.com/drfirst/go-chart/internal/chart/format"
	"github.com/drfirst/go-chart/internal/chart/service"
	"github.com/drfirst/go-chart/internal/config"
	"github.com/drfirst/go-chart/internal/fhirclient"
	"github.com/drfirst/go-chart/internal/infrastructure/postgres"
	"github.com/drfirst/go-chart/internal/observability/logging"
	"github.com/drfirst/go-chart/internal/session"
	"github.com/drfirst/go-chart/pkg/workerpool"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chart-export",
		Short: "Export patient charts from the FHIR server",
	}
	rootCmd.AddCommand(buildCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// exportOptions controls one export run.
type exportOptions struct {
	OutDir  string
	Raw     bool
	Locale  string
	Workers int
}

func buildCmd() *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "build [patient-id...]",
		Short: "Build and write the charts of the given patients",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.Env)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if opts.Locale == "" {
				opts.Locale = cfg.Locale
			}
			if opts.Workers <= 0 {
				opts.Workers = cfg.ExportWorkers
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			loader, cleanup, err := newExporter(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := export(ctx, loader, args, opts, logger)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringVarP(&opts.OutDir, "out", "o", "charts", "directory to write charts to")
	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "write the correlated resources instead of the display view")
	cmd.Flags().StringVar(&opts.Locale, "locale", "", "display locale (defaults to LOCALE)")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "concurrent chart loads (defaults to EXPORT_WORKERS)")
	return cmd
}

// exporter builds one chart for export.
type exporter interface {
	Export(ctx context.Context, patientID string) (*chart.Chart, error)
}

func newExporter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (exporter, func(), error) {
	if cfg.FHIRAccessToken == "" {
		return nil, nil, errors.New("FHIR_ACCESS_TOKEN is required for export")
	}

	clientCfg := fhirclient.DefaultConfig(cfg.FHIRBaseURL)
	clientCfg.Timeout = cfg.FHIRTimeout
	clientCfg.MaxRetries = uint(cfg.FHIRMaxRetries)
	client, err := fhirclient.New(clientCfg, session.NewBearer(cfg.FHIRAccessToken), fhirclient.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	var recorder audit.Recorder = audit.NewLogRecorder(logger)
	cleanup := func() {}
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		recorder = audit.NewPostgresRecorder(pool, cfg.AuditTopic)
		cleanup = pool.Close
	}

	svc := service.New(client, recorder, service.WithLogger(logger))
	return actorExporter{svc: svc, actor: audit.Actor{ClientID: "chart-export"}}, cleanup, nil
}

// actorExporter attributes exports to the command in the audit trail.
type actorExporter struct {
	svc   *service.Service
	actor audit.Actor
}

func (e actorExporter) Export(ctx context.Context, patientID string) (*chart.Chart, error) {
	return e.svc.Export(audit.WithActor(ctx, e.actor), patientID)
}

// exportResult is the outcome for one patient.
type exportResult struct {
	PatientID string
	Path      string
	Err       error
}

// retryable reports whether a failed export may succeed on another attempt.
func retryable(err error) bool {
	return !errors.Is(err, service.ErrInvalidPatientID) &&
		!errors.Is(err, service.ErrPatientNotFound) &&
		!errors.Is(err, session.ErrUnauthenticated) &&
		!errors.Is(err, fhirclient.ErrCircuitOpen)
}

func export(ctx context.Context, loader exporter, patientIDs []string, opts exportOptions, logger *zap.Logger) ([]exportResult, error) {
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	f := format.New(opts.Locale)

	cfg := workerpool.DefaultConfig()
	cfg.Workers = opts.Workers
	cfg.MaxRetries = 1
	cfg.Retryable = retryable
	pool, err := workerpool.New(cfg, func(ctx context.Context, task workerpool.Task[string]) (string, error) {
		c, err := loader.Export(ctx, task.Input)
		if err != nil {
			return "", err
		}
		var doc any = c
		if !opts.Raw {
			doc = f.Render(c, time.Now())
		}
		path := filepath.Join(opts.OutDir, task.Input+".json")
		return path, writeJSONFile(path, doc)
	}, logger)
	if err != nil {
		return nil, err
	}

	tasks := make([]workerpool.Task[string], len(patientIDs))
	for i, id := range patientIDs {
		tasks[i] = workerpool.Task[string]{ID: id, Input: id}
	}

	results := pool.Run(ctx, tasks)
	out := make([]exportResult, len(results))
	for i, r := range results {
		out[i] = exportResult{PatientID: r.TaskID, Path: r.Value, Err: r.Err}
	}

	stats := pool.Stats()
	logger.Info("export finished",
		zap.Int64("completed", stats.TasksCompleted),
		zap.Int64("failed", stats.TasksFailed),
		zap.Int64("retried", stats.TasksRetried))
	return out, nil
}

// writeJSONFile replaces path atomically. The temp file is unique per call so
// concurrent writers never share it.
func writeJSONFile(path string, v any) (err error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode chart: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write chart: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write chart: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("write chart: %w", err)
	}
	if err = os.Chmod(f.Name(), 0o644); err != nil {
		return fmt.Errorf("write chart: %w", err)
	}
	if err = os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("write chart: %w", err)
	}
	return nil
}

// report prints one line per patient and fails when any export failed.
func report(w io.Writer, results []exportResult) error {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(w, "FAIL %s: %v\n", r.PatientID, r.Err)
			continue
		}
		fmt.Fprintf(w, "ok   %s -> %s\n", r.PatientID, r.Path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d exports failed", failed, len(results))
	}
	return nil
}
