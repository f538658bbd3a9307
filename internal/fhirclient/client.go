// Package fhirclient is the HTTP transport to the FHIR server. It posts
// batch bundles and proxies patient searches, retrying transient failures
// behind a circuit breaker.
package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-chart/internal/fhir/batch"
	"github.com/drfirst/go-chart/internal/fhir/r4"
	"github.com/drfirst/go-chart/internal/observability/metrics"
	"github.com/drfirst/go-chart/internal/session"
	"github.com/drfirst/go-chart/pkg/circuitbreaker"
)

const (
	contentType = "application/fhir+json"
	breakerName = "fhir-server"

	// maxErrorBody bounds how much of an error response is read for an OperationOutcome.
	maxErrorBody = 1 << 20
)

// ErrCircuitOpen is returned when the breaker rejects a call without sending it.
var ErrCircuitOpen = circuitbreaker.ErrOpen

// StatusError is a non-2xx answer from the FHIR server.
type StatusError struct {
	StatusCode int
	Outcome    *r4.OperationOutcome
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("fhir server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if s := e.Outcome.Summary(); s != "" {
		msg += ": " + s
	}
	return msg
}

// Is lets a 401 match session.ErrUnauthenticated.
func (e *StatusError) Is(target error) bool {
	return target == session.ErrUnauthenticated && e.StatusCode == http.StatusUnauthorized
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config configures the client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries uint
	Breaker    circuitbreaker.Config
}

// DefaultConfig returns defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:    baseURL,
		Timeout:    15 * time.Second,
		MaxRetries: 3,
		Breaker:    circuitbreaker.DefaultConfig(breakerName),
	}
}

// Client talks to one FHIR server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    session.Session
	breaker    *circuitbreaker.CircuitBreaker
	maxTries   uint
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	breakers   *circuitbreaker.Manager
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records fetch timings and breaker state.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBreakers registers the client's breaker with m so it shows in health checks.
func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(c *Client) { c.breakers = m }
}

// WithBackOff sets the retry schedule. Each call gets a fresh BackOff.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

// New creates a client for cfg.BaseURL authenticating with sess.
func New(cfg Config, sess session.Session, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid FHIR base url: %w", err)
	}
	if sess == nil {
		return nil, errors.New("fhirclient: nil session")
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		session:    sess,
		maxTries:   cfg.MaxRetries + 1,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("fhirclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.breakers == nil {
		c.breakers = circuitbreaker.NewManager(c.logger)
	}

	bcfg := cfg.Breaker
	if bcfg.Name == "" {
		bcfg = circuitbreaker.DefaultConfig(breakerName)
	}
	// Client errors say nothing about the server's health.
	bcfg.IsSuccessful = func(err error) bool {
		var se *StatusError
		return err == nil || (errors.As(err, &se) && !se.Temporary())
	}
	bcfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		c.metrics.SetBreakerState(name, string(to))
	}

	cb, err := c.breakers.GetOrCreate(bcfg.Name, bcfg)
	if err != nil {
		return nil, fmt.Errorf("create circuit breaker: %w", err)
	}
	c.breaker = cb
	c.metrics.SetBreakerState(cb.Name(), string(cb.GetState()))

	return c, nil
}

// Breakers returns the manager holding the client's breaker.
func (c *Client) Breakers() *circuitbreaker.Manager {
	return c.breakers
}

// Batch posts req as a batch Bundle and binds the batch-response to req's slots.
func (c *Client) Batch(ctx context.Context, req *batch.Request) (*batch.Result, error) {
	if err := session.Check(c.session); err != nil {
		return nil, err
	}
	bundle, err := req.Build()
	if err != nil {
		return nil, fmt.Errorf("build batch: %w", err)
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	var resp r4.Bundle
	if err := c.call(ctx, "batch", http.MethodPost, c.baseURL, body, &resp); err != nil {
		return nil, err
	}
	if resp.Type != "" && resp.Type != r4.BundleTypeBatchResponse {
		return nil, fmt.Errorf("unexpected bundle type %q in batch response", resp.Type)
	}
	if len(resp.Entry) != len(bundle.Entry) {
		c.logger.Warn("batch response entry count mismatch",
			zap.Int("requested", len(bundle.Entry)),
			zap.Int("received", len(resp.Entry)))
	}
	return req.Bind(&resp), nil
}

// SearchPatients runs a Patient search with query and returns the searchset.
func (c *Client) SearchPatients(ctx context.Context, query url.Values) (*r4.Bundle, error) {
	if err := session.Check(c.session); err != nil {
		return nil, err
	}
	target := c.baseURL + "/" + r4.ResourceTypePatient
	if enc := query.Encode(); enc != "" {
		target += "?" + enc
	}

	var resp r4.Bundle
	if err := c.call(ctx, "search", http.MethodGet, target, nil, &resp); err != nil {
		return nil, err
	}
	c.metrics.PatientSearched()
	return &resp, nil
}

func (c *Client) call(ctx context.Context, op, method, target string, body []byte, out any) error {
	ctx, span := c.tracer.Start(ctx, "fhir."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("fhir.operation", op),
		))
	defer span.End()

	start := time.Now()
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		_, err := circuitbreaker.Do(ctx, c.breaker, func() (struct{}, error) {
			return struct{}{}, c.send(ctx, method, target, body, out)
		})
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(ctx, err) {
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.Warn("fhir request failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return struct{}{}, err
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxTries))

	span.SetAttributes(attribute.Int("fhir.attempts", attempt))
	outcome := outcomeOf(err)
	if op == "batch" {
		c.metrics.ObserveBatchFetch(outcome, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return fmt.Errorf("fhir %s: %w", op, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Accept", contentType)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.session.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

func statusError(resp *http.Response) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return se
	}
	var outcome r4.OperationOutcome
	if json.Unmarshal(data, &outcome) == nil && outcome.ResourceType == r4.ResourceTypeOperationOutcome {
		se.Outcome = &outcome
	}
	return se
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || circuitbreaker.IsRejection(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var de *decodeError
	return !errors.As(err, &de)
}

func outcomeOf(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "ok"
	case circuitbreaker.IsRejection(err):
		return "circuit_open"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &se):
		return fmt.Sprintf("%dxx", se.StatusCode/100)
	default:
		return "error"
	}
}
