package chart

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-chart/internal/fhir/batch"
	"github.com/drfirst/go-chart/internal/fhir/r4"
)

func TestNewRequestSlots(t *testing.T) {
	req := NewRequest("p 1")
	assert.Equal(t, []batch.Slot{
		SlotPatient, SlotObservations, SlotEncounters, SlotConditions,
		SlotMedicationRequests, SlotMedications, SlotAllergies,
	}, req.Slots())

	b, err := req.Build()
	require.NoError(t, err)
	assert.Equal(t, "Patient/p%201", b.Entry[0].Request.URL)
	assert.Equal(t, "Patient/p%201/AllergyIntolerance", b.Entry[6].Request.URL)
}

func TestAssemble(t *testing.T) {
	patient := &r4.Patient{ResourceType: r4.ResourceTypePatient, ID: "p1", Name: []r4.HumanName{{Given: []string{"Ada"}, Family: "Lovelace"}}}
	med := &r4.Medication{ResourceType: r4.ResourceTypeMedication, ID: "med1", Code: &r4.CodeableConcept{Text: "Amoxicillin 500 MG"}}
	mr := medicationRequest("m1", "Encounter/e1")
	mr.MedicationReference = &r4.Reference{Reference: "Medication/med1"}

	res := batch.NewResult(map[batch.Slot]*r4.BundleEntry{
		SlotPatient:            {Resource: rawJSON(t, patient)},
		SlotEncounters:         searchset(t, encounter("e1", "2023-01-10"), encounter("e2", "2023-03-05")),
		SlotObservations:       searchset(t, observation("o1", "Encounter/e2"), observation("o2", "")),
		SlotConditions:         searchset(t),
		SlotMedicationRequests: searchset(t, mr),
		SlotMedications:        searchset(t, med),
		SlotAllergies:          searchset(t, allergy("a1", "food"), allergy("a2", "environment"), allergy("a3")),
	})

	c := Assemble("p1", res)
	require.NotNil(t, c.Patient)
	assert.Equal(t, "Lovelace", c.Patient.GetFamilyName())

	require.Len(t, c.Timeline, 2)
	assert.Equal(t, "e2", c.Timeline[0].Encounter.ID)
	assert.True(t, c.Timeline[0].HasData)
	assert.Equal(t, "e1", c.Timeline[1].Encounter.ID)
	assert.True(t, c.Timeline[1].HasData)
	assert.Equal(t, 2, c.EncounterCount())

	assert.Equal(t, []string{"food", "environment", ""}, c.Allergies.Keys())
	assert.Len(t, c.Unlinked.Observations, 1)
	assert.Equal(t, "o2", c.Unlinked.Observations[0].ID)
	assert.Empty(t, c.Missing)

	assert.Equal(t, "Amoxicillin 500 MG", c.MedicationName(c.Timeline[1].MedicationRequests[0]))
}

func TestAssembleMissingSlots(t *testing.T) {
	res := batch.NewResult(map[batch.Slot]*r4.BundleEntry{
		SlotEncounters: searchset(t, encounter("e1", "2023-01-10")),
	})

	c := Assemble("p1", res)
	assert.Nil(t, c.Patient)
	require.Len(t, c.Timeline, 1)
	assert.False(t, c.Timeline[0].HasData)
	assert.Empty(t, c.Allergies)
	assert.Contains(t, c.Missing, SlotPatient)
	assert.Contains(t, c.Missing, SlotAllergies)
	assert.NotContains(t, c.Missing, SlotEncounters)
}

func TestAssembleFromBatchResponse(t *testing.T) {
	req := NewRequest("p1")
	resp := &r4.Bundle{
		ResourceType: r4.ResourceTypeBundle,
		Type:         r4.BundleTypeBatchResponse,
		Entry: []r4.BundleEntry{
			{Resource: json.RawMessage(`{"resourceType":"Patient","id":"p1"}`), Response: &r4.BundleResponse{Status: "200 OK"}},
			*searchset(t),
			*searchset(t, encounter("e1", "2023-01-10")),
			*searchset(t),
			*searchset(t),
			*searchset(t),
			{Resource: json.RawMessage(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"forbidden"}]}`), Response: &r4.BundleResponse{Status: "403 Forbidden"}},
		},
	}

	c := Assemble("p1", req.Bind(resp))
	require.NotNil(t, c.Patient)
	assert.Len(t, c.Timeline, 1)
	assert.Empty(t, c.Allergies)
	assert.Equal(t, []batch.Slot{SlotAllergies}, c.Missing)

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"allergies":[]`)
}

func TestMedicationNamePrefersRequestDisplay(t *testing.T) {
	c := &Chart{}
	mr := medicationRequest("m1", "")
	mr.MedicationCodeableConcept = &r4.CodeableConcept{Coding: []r4.Coding{{System: r4.SystemRxNorm, Code: "197361", Display: "Amlodipine 5 MG"}}}
	assert.Equal(t, "Amlodipine 5 MG", c.MedicationName(mr))

	unknown := medicationRequest("m2", "")
	unknown.MedicationReference = &r4.Reference{Reference: "Medication/gone"}
	assert.Equal(t, "", c.MedicationName(unknown))
	assert.Equal(t, "", c.MedicationName(nil))
}
