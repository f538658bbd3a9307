package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drfirst/go-chart/internal/chart"
	"github.com/drfirst/go-chart/internal/fhir/batch"
	"github.com/drfirst/go-chart/internal/fhir/r4"
)

type idRow struct{}

func (idRow) Scan(dest ...any) error {
	*dest[0].(*int64) = 42
	*dest[1].(*time.Time) = time.Unix(0, 0)
	return nil
}

type recordingTx struct {
	pgx.Tx
	execArgs   []any
	outboxArgs []any
	execErr    error
	committed  bool
	rolledBack bool
}

func (t *recordingTx) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	t.execArgs = args
	return pgconn.NewCommandTag("INSERT 0 1"), t.execErr
}

func (t *recordingTx) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	t.outboxArgs = args
	return idRow{}
}

func (t *recordingTx) Commit(context.Context) error { t.committed = true; return nil }
func (t *recordingTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type txStarter struct{ tx *recordingTx }

func (s txStarter) Begin(context.Context) (pgx.Tx, error) { return s.tx, nil }

func sampleChart() *chart.Chart {
	return &chart.Chart{
		PatientID: "p1",
		Timeline:  []chart.TimelineEntry{{Encounter: &r4.Encounter{ID: "e1"}}},
		Missing:   []batch.Slot{"allergyIntolerances"},
	}
}

func TestNewAccessEventUsesActor(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{ClientID: "ward-a", RequestID: "req-1"})
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.FixedZone("CET", 3600))

	ev := NewAccessEvent(ctx, ActionChartView, sampleChart(), now)
	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.Equal(t, "p1", ev.PatientID)
	assert.Equal(t, "ward-a", ev.ClientID)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, 1, ev.Encounters)
	assert.Equal(t, []string{"allergyIntolerances"}, ev.Missing)
	assert.Equal(t, time.UTC, ev.OccurredAt.Location())
}

func TestActorFromEmptyContext(t *testing.T) {
	assert.Equal(t, Actor{}, ActorFrom(context.Background()))
}

func TestPostgresRecorderWritesLogAndOutboxTogether(t *testing.T) {
	tx := &recordingTx{}
	rec := NewPostgresRecorder(txStarter{tx: tx}, "audit.trail")
	ev := NewAccessEvent(context.Background(), ActionChartView, sampleChart(), time.Now())

	require.NoError(t, rec.Record(context.Background(), ev))
	assert.True(t, tx.committed)
	assert.Equal(t, ev.ID, tx.execArgs[0])
	assert.Equal(t, "p1", tx.execArgs[2])

	require.Len(t, tx.outboxArgs, 6)
	assert.Equal(t, "chart.view", tx.outboxArgs[2])
	assert.Equal(t, "audit.trail", tx.outboxArgs[4])
	var payload AccessEvent
	require.NoError(t, json.Unmarshal(tx.outboxArgs[3].(json.RawMessage), &payload))
	assert.Equal(t, ev.ID, payload.ID)
}

func TestPostgresRecorderRollsBackOnInsertFailure(t *testing.T) {
	tx := &recordingTx{execErr: errors.New("relation does not exist")}
	rec := NewPostgresRecorder(txStarter{tx: tx}, "audit.trail")

	err := rec.Record(context.Background(), NewAccessEvent(context.Background(), ActionChartView, sampleChart(), time.Now()))
	assert.ErrorContains(t, err, "insert access log")
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
	assert.Nil(t, tx.outboxArgs)
}

func TestLogRecorder(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rec := NewLogRecorder(zap.New(core))

	require.NoError(t, rec.Record(context.Background(), NewAccessEvent(context.Background(), ActionChartExport, sampleChart(), time.Now())))
	entries := logs.FilterMessage("chart accessed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "p1", entries[0].ContextMap()["patient_id"])
	assert.Equal(t, "chart.export", entries[0].ContextMap()["action"])
}
