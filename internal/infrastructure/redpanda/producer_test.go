package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestNewRecordCarriesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	rec := NewRecord(ctx, TopicAuditTrail, "p1", []byte(`{}`))
	assert.Equal(t, TopicAuditTrail, rec.Topic)
	assert.Equal(t, []byte("p1"), rec.Key)

	carrier := headerCarrier{rec}
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", carrier.Get("traceparent"))
}

func TestNewRecordWithoutSpanHasNoHeaders(t *testing.T) {
	rec := NewRecord(context.Background(), TopicAuditTrail, "p1", nil)
	assert.Empty(t, rec.Headers)
}

func TestHeaderCarrierSetReplaces(t *testing.T) {
	rec := NewRecord(context.Background(), TopicAuditTrail, "k", nil)
	c := headerCarrier{rec}
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("a", "3")

	assert.Equal(t, []string{"a", "b"}, c.Keys())
	assert.Equal(t, "3", c.Get("a"))
	assert.Empty(t, c.Get("missing"))
}

func TestAuditTopics(t *testing.T) {
	specs := AuditTopics("")
	require.Len(t, specs, 2)
	assert.Equal(t, TopicAuditTrail, specs[0].Name)
	assert.Equal(t, TopicAuditDeadLetter, specs[1].Name)
	assert.Equal(t, "2592000000", *specs[0].configs()["retention.ms"])
	assert.Equal(t, "lz4", *specs[1].configs()["compression.type"])

	assert.Equal(t, "tenant.audit", AuditTopics("tenant.audit")[0].Name)
}
