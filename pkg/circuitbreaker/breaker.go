// Package circuitbreaker guards calls to the FHIR server with sony/gobreaker.
// Every call is traced and counted through OpenTelemetry.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is a breaker position as reported in health checks.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes one breaker.
type Config struct {
	Name string
	// MaxRequests is how many trial calls a half-open breaker lets through.
	MaxRequests uint32
	// Interval resets the closed-state counts; zero never resets them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before trying again.
	Timeout time.Duration
	// FailureThreshold trips the breaker on consecutive failures while fewer
	// than MinRequests calls have been seen.
	FailureThreshold uint32
	// FailureRatio trips the breaker once MinRequests calls have been seen.
	FailureRatio float64
	MinRequests  uint32
	// IsSuccessful decides which errors count against the upstream. Nil
	// counts every error.
	IsSuccessful func(error) bool
	// OnStateChange runs after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig suits a single FHIR server shared by all chart loads.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      5,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

func (c Config) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < c.MinRequests {
		return counts.ConsecutiveFailures >= c.FailureThreshold
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
}

// ErrOpen wraps every call the breaker refused to send.
var ErrOpen = errors.New("circuit breaker open")

// IsRejection reports whether err means the call never reached the upstream.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Call outcomes recorded on circuit_breaker_calls_total.
const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeRejected = "rejected"
)

// CircuitBreaker is a named gobreaker with tracing and call metrics.
type CircuitBreaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
	tracer trace.Tracer
	calls  metric.Int64Counter
	hook   func(name string, from, to State)
	state  atomic.Value // State
}

// New builds a breaker from cfg. logger may be nil.
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	calls, err := otel.Meter("circuit-breaker").Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls through the circuit breaker by outcome"))
	if err != nil {
		return nil, fmt.Errorf("breaker %s: calls counter: %w", cfg.Name, err)
	}

	b := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger.With(zap.String("breaker", cfg.Name)),
		tracer: otel.Tracer("circuit-breaker"),
		calls:  calls,
		hook:   cfg.OnStateChange,
	}
	b.state.Store(StateClosed)

	isSuccessful := cfg.IsSuccessful
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:          cfg.Name,
		MaxRequests:   cfg.MaxRequests,
		Interval:      cfg.Interval,
		Timeout:       cfg.Timeout,
		ReadyToTrip:   cfg.readyToTrip,
		IsSuccessful:  isSuccessful,
		OnStateChange: b.transition,
	})
	return b, nil
}

// Do sends fn through cb. A refused call returns an error wrapping ErrOpen
// without running fn.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	ctx, span := cb.tracer.Start(ctx, "circuit_breaker.call", trace.WithAttributes(
		attribute.String("breaker.name", cb.name),
		attribute.String("breaker.state", string(cb.GetState())),
	))
	defer span.End()

	out, err := cb.cb.Execute(func() (interface{}, error) { return fn() })
	outcome := outcomeSuccess
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = outcomeRejected
		err = fmt.Errorf("%w: %s: %w", ErrOpen, cb.name, err)
	case err != nil:
		outcome = outcomeFailure
	}
	cb.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", cb.name),
		attribute.String("outcome", outcome),
	))
	span.SetAttributes(attribute.String("breaker.outcome", outcome))

	if err != nil {
		span.RecordError(err)
		var zero T
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

func (c *CircuitBreaker) transition(_ string, from, to gobreaker.State) {
	f, t := stateOf(from), stateOf(to)
	c.state.Store(t)
	c.logger.Warn("circuit breaker state changed", zap.String("from", string(f)), zap.String("to", string(t)))
	if c.hook != nil {
		c.hook(c.name, f, t)
	}
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Name returns the breaker name.
func (c *CircuitBreaker) Name() string { return c.name }

// GetState returns the state after the last transition.
func (c *CircuitBreaker) GetState() State { return c.state.Load().(State) }

// IsOpen reports whether calls are currently refused.
func (c *CircuitBreaker) IsOpen() bool { return c.GetState() == StateOpen }

// Manager holds one breaker per upstream so readiness can report on all of them.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{breakers: map[string]*CircuitBreaker{}, logger: logger}
}

// GetOrCreate returns the breaker called name, building it from cfg on first use.
func (m *Manager) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}
	cfg.Name = name
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

// Get looks up a breaker by name.
func (m *Manager) Get(name string) (*CircuitBreaker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[name]
	return cb, ok
}

// HealthStatus describes one breaker for the readiness endpoint.
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// GetHealthStatus lists every breaker by name.
func (m *Manager) GetHealthStatus() []HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HealthStatus, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.cb.Counts()
		out = append(out, HealthStatus{
			Name:     name,
			State:    cb.GetState(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  !cb.IsOpen(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every breaker is letting calls through.
func (m *Manager) Healthy() bool {
	for _, s := range m.GetHealthStatus() {
		if !s.Healthy {
			return false
		}
	}
	return true
}
