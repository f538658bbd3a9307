package chart

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-chart/internal/fhir/r4"
)

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// searchset wraps resources in a searchset Bundle inside a batch-response entry.
func searchset(t *testing.T, resources ...any) *r4.BundleEntry {
	t.Helper()
	b := r4.Bundle{ResourceType: r4.ResourceTypeBundle, Type: r4.BundleTypeSearchset, Entry: []r4.BundleEntry{}}
	for _, res := range resources {
		b.Entry = append(b.Entry, r4.BundleEntry{Resource: rawJSON(t, res)})
	}
	return &r4.BundleEntry{Resource: rawJSON(t, b), Response: &r4.BundleResponse{Status: "200 OK"}}
}

func encounter(id, start string) *r4.Encounter {
	e := &r4.Encounter{ResourceType: r4.ResourceTypeEncounter, ID: id, Status: "finished"}
	if start != "" {
		e.Period = &r4.Period{Start: start}
	}
	return e
}

func observation(id, encounterRef string) *r4.Observation {
	o := &r4.Observation{ResourceType: r4.ResourceTypeObservation, ID: id, Status: "final"}
	if encounterRef != "" {
		o.Encounter = &r4.Reference{Reference: encounterRef}
	}
	return o
}

func condition(id, encounterRef string) *r4.Condition {
	c := &r4.Condition{ResourceType: r4.ResourceTypeCondition, ID: id}
	if encounterRef != "" {
		c.Encounter = &r4.Reference{Reference: encounterRef}
	}
	return c
}

func medicationRequest(id, encounterRef string) *r4.MedicationRequest {
	m := &r4.MedicationRequest{ResourceType: r4.ResourceTypeMedicationRequest, ID: id, Status: r4.StatusActive, Intent: "order"}
	if encounterRef != "" {
		m.Encounter = &r4.Reference{Reference: encounterRef}
	}
	return m
}

func allergy(id string, categories ...string) *r4.AllergyIntolerance {
	return &r4.AllergyIntolerance{ResourceType: r4.ResourceTypeAllergyIntolerance, ID: id, Category: categories}
}

func ids[T any](items []*T, id func(*T) string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = id(it)
	}
	return out
}

func encounterIDs(encs []*r4.Encounter) []string {
	return ids(encs, func(e *r4.Encounter) string { return e.ID })
}
