// Package viewstate holds the chart currently shown to a viewer. Loads are
// numbered by a generation counter; a load that completes after a newer one
// was started is discarded, so the view only ever moves forward to the most
// recently requested patient.
package viewstate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-chart/internal/chart"
	"github.com/drfirst/go-chart/internal/observability/metrics"
)

// ErrStale is returned by Load when a newer load superseded it.
var ErrStale = errors.New("viewstate: superseded by a newer load")

// Loader builds a chart for a patient.
type Loader interface {
	Load(ctx context.Context, patientID string) (*chart.Chart, error)
}

// Snapshot is a chart accepted into the view.
type Snapshot struct {
	Generation uint64       `json:"generation"`
	PatientID  string       `json:"patientId"`
	Chart      *chart.Chart `json:"chart"`
	LoadedAt   time.Time    `json:"loadedAt"`
}

// View describes the store for display.
type View struct {
	// Generation is the most recently issued load.
	Generation uint64 `json:"generation"`
	// PatientID is the patient of that load.
	PatientID string `json:"patientId,omitempty"`
	// Loading is true until that load completes.
	Loading bool `json:"loading"`
	// Error is set when that load failed. Snapshot then still holds the
	// previous chart, if any.
	Error    string    `json:"error,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// Store is one viewer's chart state. It is safe for concurrent use.
type Store struct {
	loader  Loader
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time

	gen atomic.Uint64

	mu        sync.RWMutex
	requested string
	settled   uint64
	current   *Snapshot
	lastErr   error
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics counts discarded loads.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithTimeout bounds background loads started by Select.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// New creates an empty Store.
func New(loader Loader, opts ...Option) *Store {
	s := &Store{
		loader:  loader,
		logger:  zap.NewNop(),
		timeout: 30 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load fetches patientID and applies the result if no newer load was started
// in the meantime. A superseded load returns ErrStale. A failed load leaves
// the current snapshot in place.
func (s *Store) Load(ctx context.Context, patientID string) (*Snapshot, error) {
	gen := s.begin(patientID)
	c, err := s.loader.Load(ctx, patientID)
	return s.finish(gen, patientID, c, err)
}

// Select starts loading patientID in the background and returns its
// generation. The channel yields the outcome once the load completes. The
// load outlives ctx's cancellation but keeps its values.
func (s *Store) Select(ctx context.Context, patientID string) (uint64, <-chan error) {
	gen := s.begin(patientID)
	done := make(chan error, 1)

	go func() {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		c, err := s.loader.Load(lctx, patientID)
		_, err = s.finish(gen, patientID, c, err)
		done <- err
	}()
	return gen, done
}

func (s *Store) begin(patientID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := s.gen.Add(1)
	s.requested = patientID
	return gen
}

func (s *Store) finish(gen uint64, patientID string, c *chart.Chart, err error) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if latest := s.gen.Load(); gen != latest {
		s.metrics.StaleDropped()
		s.logger.Debug("discarding superseded chart load",
			zap.String("patient_id", patientID),
			zap.Uint64("generation", gen),
			zap.Uint64("latest", latest))
		return nil, ErrStale
	}

	s.settled = gen
	if err != nil {
		s.lastErr = err
		s.logger.Warn("chart load failed, keeping previous snapshot",
			zap.String("patient_id", patientID),
			zap.Uint64("generation", gen),
			zap.Error(err))
		return nil, err
	}

	s.lastErr = nil
	s.current = &Snapshot{
		Generation: gen,
		PatientID:  patientID,
		Chart:      c,
		LoadedAt:   s.now(),
	}
	return s.current, nil
}

// Current returns the latest applied snapshot, or nil before the first
// successful load.
func (s *Store) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Generation returns the most recently issued generation.
func (s *Store) Generation() uint64 {
	return s.gen.Load()
}

// View reports the store's state.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gen := s.gen.Load()
	v := View{
		Generation: gen,
		PatientID:  s.requested,
		Loading:    gen != 0 && s.settled != gen,
		Snapshot:   s.current,
	}
	if s.lastErr != nil && !v.Loading {
		v.Error = s.lastErr.Error()
	}
	return v
}
