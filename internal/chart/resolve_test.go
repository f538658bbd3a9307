package chart

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drfirst/go-chart/internal/fhir/r4"
)

func TestResolveByEncounter(t *testing.T) {
	obs := []*r4.Observation{
		observation("o1", "Encounter/e1"),
		observation("o2", "Encounter/e10"),
		observation("o3", "https://fhir.example.org/r4/Encounter/e1"),
		observation("o4", ""),
		observation("o5", "Encounter/e1/_history/2"),
		observation("o6", "Procedure/e1"),
		observation("o7", "Encounter/e1"),
	}

	got := ResolveByEncounter(obs, "e1")
	assert.Equal(t, []string{"o1", "o3", "o5", "o7"}, ids(got, func(o *r4.Observation) string { return o.ID }))

	assert.Empty(t, ResolveByEncounter(obs, "e2"))
	assert.NotNil(t, ResolveByEncounter(obs, "e2"))
}

func TestResolveByEncounterEmptyID(t *testing.T) {
	obs := []*r4.Observation{observation("o1", "Encounter/e1"), observation("o2", "")}
	conds := []*r4.Condition{condition("c1", "Encounter/e1")}
	meds := []*r4.MedicationRequest{medicationRequest("m1", "Encounter/")}

	assert.Empty(t, ResolveByEncounter(obs, ""))
	assert.Empty(t, ResolveByEncounter(conds, ""))
	assert.Empty(t, ResolveByEncounter(meds, ""))
}

func TestResolveByEncounterIdempotent(t *testing.T) {
	conds := []*r4.Condition{condition("c1", "Encounter/e1"), condition("c2", "Encounter/e2"), condition("c3", "Encounter/e1")}
	assert.Equal(t, ResolveByEncounter(conds, "e1"), ResolveByEncounter(conds, "e1"))
}

func TestUnlinkedFacts(t *testing.T) {
	encs := []*r4.Encounter{encounter("e1", "2023-01-10")}
	meds := []*r4.MedicationRequest{
		medicationRequest("m1", "Encounter/e1"),
		medicationRequest("m2", "Encounter/e9"),
		medicationRequest("m3", ""),
	}
	got := UnlinkedFacts(meds, encs)
	assert.Equal(t, []string{"m2", "m3"}, ids(got, func(m *r4.MedicationRequest) string { return m.ID }))
}

func TestResolveByEncounterOpaqueIDs(t *testing.T) {
	for _, id := range []string{"enc_1", "enc 1", "ümlaut", strings.Repeat("x", 65)} {
		t.Run(id, func(t *testing.T) {
			encs := []*r4.Encounter{encounter(id, "2023-01-10")}
			obs := []*r4.Observation{observation("o1", "Encounter/"+id)}

			timeline := BuildTimeline(encs, obs, nil, nil)
			assert.Len(t, timeline[0].Observations, 1)
			assert.True(t, timeline[0].HasData)
			assert.Empty(t, UnlinkedFacts(obs, encs))
		})
	}
}
