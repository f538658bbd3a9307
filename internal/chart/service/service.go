// Package service loads patient charts: it fetches the chart batch, assembles
// the correlated view and records the access.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-chart/internal/audit"
	"github.com/drfirst/go-chart/internal/chart"
	"github.com/drfirst/go-chart/internal/fhir/batch"
	"github.com/drfirst/go-chart/internal/fhir/r4"
	"github.com/drfirst/go-chart/internal/observability/metrics"
	"github.com/drfirst/go-chart/internal/session"
	"github.com/drfirst/go-chart/pkg/circuitbreaker"
)

var (
	// ErrInvalidPatientID means the id is not a well-formed FHIR id.
	ErrInvalidPatientID = errors.New("invalid patient id")
	// ErrPatientNotFound means the batch came back without the patient.
	ErrPatientNotFound = errors.New("patient not found")
)

// Fetcher executes a batch against the FHIR server.
type Fetcher interface {
	Batch(ctx context.Context, req *batch.Request) (*batch.Result, error)
}

// Service loads charts.
type Service struct {
	fetcher  Fetcher
	recorder audit.Recorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source for audit events.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. A nil recorder disables auditing.
func New(f Fetcher, rec audit.Recorder, opts ...Option) *Service {
	s := &Service{
		fetcher:  f,
		recorder: rec,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("chart-service"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load builds the chart of patientID for viewing.
func (s *Service) Load(ctx context.Context, patientID string) (*chart.Chart, error) {
	return s.load(ctx, patientID, audit.ActionChartView)
}

// Export builds the chart of patientID for export.
func (s *Service) Export(ctx context.Context, patientID string) (*chart.Chart, error) {
	return s.load(ctx, patientID, audit.ActionChartExport)
}

func (s *Service) load(ctx context.Context, patientID string, action audit.Action) (*chart.Chart, error) {
	ctx, span := s.tracer.Start(ctx, "chart_load",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("action", string(action)),
		))
	defer span.End()

	if !r4.ValidID(patientID) {
		s.metrics.ChartFailed("invalid_id")
		return nil, fmt.Errorf("%w: %q", ErrInvalidPatientID, patientID)
	}

	res, err := s.fetcher.Batch(ctx, chart.NewRequest(patientID))
	if err != nil {
		reason := failureReason(err)
		s.metrics.ChartFailed(reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		s.logger.Warn("chart fetch failed",
			zap.String("patient_id", patientID),
			zap.String("reason", reason),
			zap.Error(err))
		return nil, fmt.Errorf("fetch chart %s: %w", patientID, err)
	}

	c := chart.Assemble(patientID, res)
	if c.Patient == nil {
		s.metrics.ChartFailed("not_found")
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, patientID)
	}

	span.SetAttributes(
		attribute.Int("encounters", c.EncounterCount()),
		attribute.Int("missing_sections", len(c.Missing)),
	)
	s.metrics.ChartBuilt(c.EncounterCount())
	if len(c.Missing) > 0 {
		s.logger.Info("chart assembled with missing sections",
			zap.String("patient_id", patientID),
			zap.Any("missing", c.Missing))
	}

	s.record(ctx, action, c)
	return c, nil
}

// record audits the access. Audit failures are logged, not returned: the
// chart was already read.
func (s *Service) record(ctx context.Context, action audit.Action, c *chart.Chart) {
	if s.recorder == nil {
		return
	}
	ev := audit.NewAccessEvent(ctx, action, c, s.now())
	err := s.recorder.Record(ctx, ev)
	s.metrics.AuditRecorded(err)
	if err != nil {
		s.logger.Error("failed to record chart access",
			zap.String("patient_id", c.PatientID),
			zap.String("event_id", ev.ID.String()),
			zap.Error(err))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, session.ErrNotReady):
		return "not_ready"
	case circuitbreaker.IsRejection(err):
		return "circuit_open"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "fetch"
	}
}
