package viewstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-chart/internal/chart"
	"github.com/drfirst/go-chart/internal/observability/metrics"
)

type outcome struct {
	chart *chart.Chart
	err   error
}

// gatedLoader blocks each patient's load until the test releases it.
type gatedLoader struct {
	mu    sync.Mutex
	gates map[string]chan outcome
}

func newGatedLoader() *gatedLoader {
	return &gatedLoader{gates: make(map[string]chan outcome)}
}

func (g *gatedLoader) gate(patientID string) chan outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[patientID]
	if !ok {
		ch = make(chan outcome, 1)
		g.gates[patientID] = ch
	}
	return ch
}

func (g *gatedLoader) Load(ctx context.Context, patientID string) (*chart.Chart, error) {
	select {
	case o := <-g.gate(patientID):
		return o.chart, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedLoader) succeed(patientID string) {
	g.gate(patientID) <- outcome{chart: &chart.Chart{PatientID: patientID}}
}

func (g *gatedLoader) fail(patientID string, err error) {
	g.gate(patientID) <- outcome{err: err}
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("load did not complete")
		return nil
	}
}

func TestSupersededLoadIsDiscarded(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	loader := newGatedLoader()
	s := New(loader, WithMetrics(m))

	gen1, done1 := s.Select(context.Background(), "p1")
	gen2, done2 := s.Select(context.Background(), "p2")
	assert.Less(t, gen1, gen2)

	loader.succeed("p2")
	require.NoError(t, wait(t, done2))

	loader.succeed("p1")
	assert.ErrorIs(t, wait(t, done1), ErrStale)

	cur := s.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "p2", cur.PatientID)
	assert.Equal(t, gen2, cur.Generation)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleSnapshotsDropped))
}

func TestOlderLoadFinishingFirstIsStillDiscarded(t *testing.T) {
	loader := newGatedLoader()
	s := New(loader)

	_, done1 := s.Select(context.Background(), "p1")
	_, done2 := s.Select(context.Background(), "p2")

	loader.succeed("p1")
	assert.ErrorIs(t, wait(t, done1), ErrStale)
	assert.Nil(t, s.Current())
	assert.True(t, s.View().Loading)

	loader.succeed("p2")
	require.NoError(t, wait(t, done2))
	assert.Equal(t, "p2", s.Current().PatientID)
	assert.False(t, s.View().Loading)
}

func TestFailedLoadKeepsPreviousSnapshot(t *testing.T) {
	loader := newGatedLoader()
	s := New(loader)

	loader.succeed("p1")
	first, err := s.Load(context.Background(), "p1")
	require.NoError(t, err)

	errUpstream := errors.New("upstream unavailable")
	loader.fail("p2", errUpstream)
	_, err = s.Load(context.Background(), "p2")
	assert.ErrorIs(t, err, errUpstream)

	assert.Same(t, first, s.Current())
	v := s.View()
	assert.Equal(t, "p2", v.PatientID)
	assert.False(t, v.Loading)
	assert.Equal(t, "upstream unavailable", v.Error)
	assert.Same(t, first, v.Snapshot)
}

func TestSuccessfulLoadClearsError(t *testing.T) {
	loader := newGatedLoader()
	s := New(loader)

	loader.fail("p1", errors.New("boom"))
	_, err := s.Load(context.Background(), "p1")
	require.Error(t, err)

	loader.succeed("p1")
	_, err = s.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, s.View().Error)
	assert.Equal(t, uint64(2), s.Generation())
}

func TestSelectOutlivesRequestCancellation(t *testing.T) {
	loader := newGatedLoader()
	s := New(loader, WithTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	_, done := s.Select(ctx, "p1")
	cancel()

	loader.succeed("p1")
	require.NoError(t, wait(t, done))
	assert.Equal(t, "p1", s.Current().PatientID)
}

func TestEmptyView(t *testing.T) {
	v := New(newGatedLoader()).View()
	assert.Zero(t, v.Generation)
	assert.False(t, v.Loading)
	assert.Nil(t, v.Snapshot)
}

func TestRegistryKeepsOneStorePerViewer(t *testing.T) {
	r := NewRegistry(newGatedLoader())
	a := r.Get("ward-a")
	assert.Same(t, a, r.Get("ward-a"))
	assert.NotSame(t, a, r.Get("ward-b"))
	assert.Equal(t, 2, r.Len())

	r.Forget("ward-a")
	assert.Equal(t, 1, r.Len())
	assert.NotSame(t, a, r.Get("ward-a"))
}
