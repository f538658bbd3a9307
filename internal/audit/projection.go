package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-chart/internal/observability/metrics"
	"github.com/drfirst/go-chart/pkg/idempotency"
)

// ErrMalformedEvent marks an audit message that can never be projected.
var ErrMalformedEvent = errors.New("malformed access event")

// summaryHandler names the access summary in the inbox.
const summaryHandler = "chart-access-summary"

// Inbox runs a handler at most once per key. *idempotency.Inbox satisfies it.
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, fn idempotency.ProcessFunc) error
}

// Projector folds the audit trail into per-patient access counts. The relay
// delivers events at least once; the inbox keeps each event from being
// counted twice.
type Projector struct {
	inbox   Inbox
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewProjector creates a Projector. m may be nil.
func NewProjector(inbox Inbox, logger *zap.Logger, m *metrics.Metrics) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{inbox: inbox, logger: logger.Named("projector"), metrics: m}
}

const upsertSummary = `
	INSERT INTO chart_access_summary (patient_id, views, exports, first_accessed_at, last_accessed_at, last_client_id)
	VALUES ($1, $2, $3, $4, $4, $5)
	ON CONFLICT (patient_id) DO UPDATE SET
		views             = chart_access_summary.views + EXCLUDED.views,
		exports           = chart_access_summary.exports + EXCLUDED.exports,
		first_accessed_at = LEAST(chart_access_summary.first_accessed_at, EXCLUDED.first_accessed_at),
		last_client_id    = CASE WHEN EXCLUDED.last_accessed_at >= chart_access_summary.last_accessed_at
		                         THEN EXCLUDED.last_client_id ELSE chart_access_summary.last_client_id END,
		last_accessed_at  = GREATEST(chart_access_summary.last_accessed_at, EXCLUDED.last_accessed_at)
`

// Apply projects one encoded AccessEvent. Redelivered events are ignored.
// Undecodable events fail with ErrMalformedEvent.
func (p *Projector) Apply(ctx context.Context, payload []byte) error {
	var ev AccessEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		p.metrics.AuditProjected("malformed")
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.ID == uuid.Nil || ev.PatientID == "" || ev.OccurredAt.IsZero() {
		p.metrics.AuditProjected("malformed")
		return fmt.Errorf("%w: missing id, patient or time", ErrMalformedEvent)
	}

	var views, exports int
	switch ev.Action {
	case ActionChartView:
		views = 1
	case ActionChartExport:
		exports = 1
	}

	err := p.inbox.Process(ctx, ev.ID.String(), summaryHandler, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertSummary, ev.PatientID, views, exports, ev.OccurredAt, ev.ClientID); err != nil {
			return fmt.Errorf("update access summary: %w", err)
		}
		return nil
	})
	switch {
	case errors.Is(err, idempotency.ErrDuplicateMessage):
		p.metrics.AuditProjected("duplicate")
		p.logger.Debug("duplicate access event", zap.String("event_id", ev.ID.String()))
		return nil
	case err != nil:
		p.metrics.AuditProjected("error")
		return err
	}

	p.metrics.AuditProjected("applied")
	p.logger.Debug("access event projected",
		zap.String("event_id", ev.ID.String()),
		zap.String("patient_id", ev.PatientID),
		zap.String("action", string(ev.Action)))
	return nil
}

// AccessSummary is how often a patient's chart has been opened.
type AccessSummary struct {
	PatientID       string     `json:"patientId"`
	Views           int64      `json:"views"`
	Exports         int64      `json:"exports"`
	FirstAccessedAt *time.Time `json:"firstAccessedAt,omitempty"`
	LastAccessedAt  *time.Time `json:"lastAccessedAt,omitempty"`
	LastClientID    string     `json:"lastClientId,omitempty"`
}

// Querier runs a single-row query. *pgxpool.Pool satisfies it.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SummaryReader reads the projected access summary.
type SummaryReader struct {
	db Querier
}

// NewSummaryReader creates a SummaryReader.
func NewSummaryReader(db Querier) *SummaryReader {
	return &SummaryReader{db: db}
}

// AccessSummary returns the summary for patientID. A patient whose chart was
// never opened has zero counts.
func (r *SummaryReader) AccessSummary(ctx context.Context, patientID string) (*AccessSummary, error) {
	const query = `
		SELECT views, exports, first_accessed_at, last_accessed_at, last_client_id
		FROM chart_access_summary
		WHERE patient_id = $1
	`

	s := &AccessSummary{PatientID: patientID}
	var first, last time.Time
	err := r.db.QueryRow(ctx, query, patientID).Scan(&s.Views, &s.Exports, &first, &last, &s.LastClientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read access summary: %w", err)
	}
	s.FirstAccessedAt, s.LastAccessedAt = &first, &last
	return s, nil
}
