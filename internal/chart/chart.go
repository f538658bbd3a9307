// Package chart correlates the resources returned for one patient into a
// chart: the patient, an encounter timeline with the observations,
// conditions and medication requests recorded in each encounter, and the
// patient's allergies grouped by category.
//
// Everything in this package is pure. Absent or malformed input degrades to
// empty sections rather than errors.
package chart

import (
	"net/url"

	"github.com/drfirst/go-chart/internal/fhir/batch"
	"github.com/drfirst/go-chart/internal/fhir/r4"
)

// Batch slots requested for a chart.
const (
	SlotPatient            batch.Slot = "patient"
	SlotObservations       batch.Slot = "observations"
	SlotEncounters         batch.Slot = "encounters"
	SlotConditions         batch.Slot = "conditions"
	SlotMedicationRequests batch.Slot = "medicationRequests"
	SlotMedications        batch.Slot = "medications"
	SlotAllergies          batch.Slot = "allergyIntolerances"
)

// NewRequest returns the batch that fetches everything a chart needs for patientID.
func NewRequest(patientID string) *batch.Request {
	base := "Patient/" + url.PathEscape(patientID)
	return batch.New().
		Get(SlotPatient, base).
		Get(SlotObservations, base+"/Observation").
		Get(SlotEncounters, base+"/Encounter").
		Get(SlotConditions, base+"/Condition").
		Get(SlotMedicationRequests, base+"/MedicationRequest").
		Get(SlotMedications, base+"/Medication").
		Get(SlotAllergies, base+"/AllergyIntolerance")
}

// Chart is the correlated view of one patient.
type Chart struct {
	PatientID   string                         `json:"patientId"`
	Patient     *r4.Patient                    `json:"patient,omitempty"`
	Timeline    []TimelineEntry                `json:"timeline"`
	Allergies   Groups[*r4.AllergyIntolerance] `json:"allergies"`
	Medications []*r4.Medication               `json:"medications"`
	Unlinked    Unlinked                       `json:"unlinked"`
	Missing     []batch.Slot                   `json:"missing,omitempty"`
}

// Unlinked holds facts that reference no fetched encounter. They are kept
// out of the timeline.
type Unlinked struct {
	Observations       []*r4.Observation       `json:"observations"`
	Conditions         []*r4.Condition         `json:"conditions"`
	MedicationRequests []*r4.MedicationRequest `json:"medicationRequests"`
}

// Assemble builds the chart for patientID from a keyed batch result.
func Assemble(patientID string, res *batch.Result) *Chart {
	encounters := Collection[r4.Encounter](res.Entry(SlotEncounters), r4.ResourceTypeEncounter)
	observations := Collection[r4.Observation](res.Entry(SlotObservations), r4.ResourceTypeObservation)
	conditions := Collection[r4.Condition](res.Entry(SlotConditions), r4.ResourceTypeCondition)
	medRequests := Collection[r4.MedicationRequest](res.Entry(SlotMedicationRequests), r4.ResourceTypeMedicationRequest)
	allergies := Collection[r4.AllergyIntolerance](res.Entry(SlotAllergies), r4.ResourceTypeAllergyIntolerance)

	c := &Chart{
		PatientID:   patientID,
		Patient:     First[r4.Patient](res.Entry(SlotPatient), r4.ResourceTypePatient),
		Timeline:    BuildTimeline(encounters, observations, conditions, medRequests),
		Allergies:   GroupBy(allergies, AllergyCategory),
		Medications: Collection[r4.Medication](res.Entry(SlotMedications), r4.ResourceTypeMedication),
		Unlinked: Unlinked{
			Observations:       UnlinkedFacts(observations, encounters),
			Conditions:         UnlinkedFacts(conditions, encounters),
			MedicationRequests: UnlinkedFacts(medRequests, encounters),
		},
	}
	for _, slot := range NewRequest(patientID).Slots() {
		if !res.Has(slot) {
			c.Missing = append(c.Missing, slot)
		}
	}
	return c
}

// EncounterCount returns the number of encounters on the timeline.
func (c *Chart) EncounterCount() int {
	if c == nil {
		return 0
	}
	return len(c.Timeline)
}

// MedicationName names the medication of a request, using the referenced
// Medication resource when the request carries no display of its own.
func (c *Chart) MedicationName(m *r4.MedicationRequest) string {
	if m == nil {
		return ""
	}
	if name := m.GetMedicationDisplay(); name != "" {
		return name
	}
	id := m.GetMedicationID()
	if id == "" {
		return ""
	}
	for _, med := range c.Medications {
		if med.ID == id {
			return med.Code.Display()
		}
	}
	return ""
}
