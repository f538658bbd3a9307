package batch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-chart/internal/fhir/r4"
)

func TestBuild(t *testing.T) {
	req := New().
		Get("patient", "Patient/p1").
		Get("encounters", "Patient/p1/Encounter")

	b, err := req.Build()
	require.NoError(t, err)
	assert.Equal(t, r4.BundleTypeBatch, b.Type)
	require.Len(t, b.Entry, 2)
	assert.Equal(t, "GET", b.Entry[0].Request.Method)
	assert.Equal(t, "Patient/p1", b.Entry[0].Request.URL)
	assert.Equal(t, "Patient/p1/Encounter", b.Entry[1].Request.URL)
	assert.Equal(t, []Slot{"patient", "encounters"}, req.Slots())
}

func TestBuildErrors(t *testing.T) {
	_, err := New().Build()
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = New().Get("a", "Patient/1").Get("a", "Patient/2").Build()
	assert.ErrorIs(t, err, ErrDuplicateSlot)
}

func TestBindMapsBySlot(t *testing.T) {
	req := New().
		Get("patient", "Patient/p1").
		Get("allergies", "Patient/p1/AllergyIntolerance").
		Get("observations", "Patient/p1/Observation")

	resp := &r4.Bundle{
		ResourceType: r4.ResourceTypeBundle,
		Type:         r4.BundleTypeBatchResponse,
		Entry: []r4.BundleEntry{
			{Resource: json.RawMessage(`{"resourceType":"Patient","id":"p1"}`), Response: &r4.BundleResponse{Status: "200 OK"}},
			{Resource: json.RawMessage(`{"resourceType":"OperationOutcome"}`), Response: &r4.BundleResponse{Status: "404 Not Found"}},
		},
	}

	res := req.Bind(resp)
	require.True(t, res.Has("patient"))
	assert.Equal(t, "Patient", r4.ResourceTypeOf(res.Entry("patient").Resource))
	assert.False(t, res.Has("allergies"), "failed entry reads as absent")
	assert.False(t, res.Has("observations"), "short response reads as absent")
	assert.Nil(t, res.Entry("unknown"))
}

func TestBindNilResponse(t *testing.T) {
	res := New().Get("patient", "Patient/p1").Bind(nil)
	assert.False(t, res.Has("patient"))

	var none *Result
	assert.Nil(t, none.Entry("patient"))
}

func TestNewResultDropsNil(t *testing.T) {
	res := NewResult(map[Slot]*r4.BundleEntry{"a": nil, "b": {}})
	assert.False(t, res.Has("a"))
	assert.True(t, res.Has("b"))
}
