// Package audit records who opened which patient chart.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-chart/internal/chart"
)

// Action is the kind of chart access.
type Action string

const (
	ActionChartView   Action = "chart.view"
	ActionChartExport Action = "chart.export"
)

// Actor identifies the caller behind a chart access.
type Actor struct {
	ClientID  string
	RequestID string
}

type actorKey struct{}

// WithActor attaches the caller to ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the caller attached to ctx, if any.
func ActorFrom(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey{}).(Actor)
	return a
}

// AccessEvent is one chart access.
type AccessEvent struct {
	ID         uuid.UUID `json:"id"`
	Action     Action    `json:"action"`
	PatientID  string    `json:"patientId"`
	ClientID   string    `json:"clientId,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	Encounters int       `json:"encounters"`
	Missing    []string  `json:"missingSections,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewAccessEvent describes access to c by the actor in ctx.
func NewAccessEvent(ctx context.Context, action Action, c *chart.Chart, now time.Time) AccessEvent {
	actor := ActorFrom(ctx)
	ev := AccessEvent{
		ID:         uuid.New(),
		Action:     action,
		ClientID:   actor.ClientID,
		RequestID:  actor.RequestID,
		Encounters: c.EncounterCount(),
		OccurredAt: now.UTC(),
	}
	if c != nil {
		ev.PatientID = c.PatientID
		for _, slot := range c.Missing {
			ev.Missing = append(ev.Missing, string(slot))
		}
	}
	return ev
}

// Recorder persists access events.
type Recorder interface {
	Record(ctx context.Context, ev AccessEvent) error
}

// LogRecorder writes access events to the log. It is used when no database
// is configured.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder creates a LogRecorder.
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRecorder{logger: logger.Named("audit")}
}

// Record logs ev at info level.
func (r *LogRecorder) Record(_ context.Context, ev AccessEvent) error {
	r.logger.Info("chart accessed",
		zap.String("event_id", ev.ID.String()),
		zap.String("action", string(ev.Action)),
		zap.String("patient_id", ev.PatientID),
		zap.String("client_id", ev.ClientID),
		zap.String("request_id", ev.RequestID),
		zap.Int("encounters", ev.Encounters),
		zap.Strings("missing", ev.Missing),
		zap.Time("occurred_at", ev.OccurredAt))
	return nil
}
