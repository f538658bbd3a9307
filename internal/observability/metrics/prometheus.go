// Package metrics provides Prometheus metrics for the patient chart service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ChartsBuilt           prometheus.Counter
	ChartsFailed          *prometheus.CounterVec
	BatchFetchDuration    *prometheus.HistogramVec
	TimelineEncounters    prometheus.Histogram
	StaleSnapshotsDropped prometheus.Counter
	PatientSearches       prometheus.Counter
	AuditEventsRecorded   *prometheus.CounterVec
	AuditEventsProjected  *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg, or with the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ChartsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "charts_built_total",
			Help: "Total patient charts assembled",
		}),
		ChartsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "charts_failed_total",
			Help: "Total chart loads that failed before assembly",
		}, []string{"reason"}),
		BatchFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhir_batch_fetch_duration_seconds",
			Help:    "FHIR batch request duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		TimelineEncounters: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chart_timeline_encounters",
			Help:    "Encounters per assembled timeline",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		StaleSnapshotsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chart_stale_snapshots_dropped_total",
			Help: "Chart loads discarded because a newer load was issued",
		}),
		PatientSearches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patient_searches_total",
			Help: "Total patient searches proxied to the FHIR server",
		}),
		AuditEventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_recorded_total",
			Help: "Chart access audit events by result",
		}, []string{"result"}),
		AuditEventsProjected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_projected_total",
			Help: "Audit trail messages consumed into the access summary by outcome",
		}, []string{"outcome"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.ChartsBuilt,
		m.ChartsFailed,
		m.BatchFetchDuration,
		m.TimelineEncounters,
		m.StaleSnapshotsDropped,
		m.PatientSearches,
		m.AuditEventsRecorded,
		m.AuditEventsProjected,
		m.KafkaMessagesProduced,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBatchFetch records one FHIR batch round trip.
func (m *Metrics) ObserveBatchFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.BatchFetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ChartBuilt records an assembled chart and its timeline size.
func (m *Metrics) ChartBuilt(encounters int) {
	if m == nil {
		return
	}
	m.ChartsBuilt.Inc()
	m.TimelineEncounters.Observe(float64(encounters))
}

// ChartFailed records a chart load that did not produce a chart.
func (m *Metrics) ChartFailed(reason string) {
	if m == nil {
		return
	}
	m.ChartsFailed.WithLabelValues(reason).Inc()
}

// StaleDropped records a discarded out-of-date chart load.
func (m *Metrics) StaleDropped() {
	if m == nil {
		return
	}
	m.StaleSnapshotsDropped.Inc()
}

// PatientSearched records a proxied patient search.
func (m *Metrics) PatientSearched() {
	if m == nil {
		return
	}
	m.PatientSearches.Inc()
}

// AuditRecorded records the result of writing an audit event.
func (m *Metrics) AuditRecorded(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AuditEventsRecorded.WithLabelValues(result).Inc()
}

// AuditProjected records one consumed audit message: applied, duplicate,
// malformed or error.
func (m *Metrics) AuditProjected(outcome string) {
	if m == nil {
		return
	}
	m.AuditEventsProjected.WithLabelValues(outcome).Inc()
}

// MessagesProduced records messages written to Kafka.
func (m *Metrics) MessagesProduced(n int) {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Add(float64(n))
}

// SetOutboxPending records the unpublished outbox backlog.
func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState records a breaker state: closed, open or half-open.
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}
