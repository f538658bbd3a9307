package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-chart/internal/infrastructure/postgres"
)

// TxStarter begins transactions. *pgxpool.Pool satisfies it.
type TxStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRecorder stores access events in chart_access_log and queues them
// on the outbox in the same transaction, so an event is published if and
// only if it was recorded.
type PostgresRecorder struct {
	db     TxStarter
	topic  string
	tracer trace.Tracer
}

// NewPostgresRecorder creates a recorder publishing to topic through the outbox.
func NewPostgresRecorder(db TxStarter, topic string) *PostgresRecorder {
	return &PostgresRecorder{
		db:     db,
		topic:  topic,
		tracer: otel.Tracer("audit"),
	}
}

const insertAccessLog = `
	INSERT INTO chart_access_log (event_id, action, patient_id, client_id, request_id, encounters, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// Record writes ev and its outbox entry atomically.
func (r *PostgresRecorder) Record(ctx context.Context, ev AccessEvent) (err error) {
	ctx, span := r.tracer.Start(ctx, "audit_record",
		trace.WithAttributes(
			attribute.String("event_id", ev.ID.String()),
			attribute.String("action", string(ev.Action)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode access event: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, insertAccessLog,
		ev.ID, string(ev.Action), ev.PatientID, ev.ClientID, ev.RequestID, ev.Encounters, ev.OccurredAt,
	); err != nil {
		return fmt.Errorf("insert access log: %w", err)
	}

	entry := &postgres.OutboxEntry{
		AggregateID:   ev.PatientID,
		AggregateType: "Patient",
		EventType:     string(ev.Action),
		Payload:       payload,
		Topic:         r.topic,
		Key:           ev.PatientID,
	}
	if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit tx: %w", err)
	}
	return nil
}
