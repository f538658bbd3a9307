package r4

// MedicationRequest represents a FHIR R4 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	// active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Status       string           `json:"status"`
	StatusReason *CodeableConcept `json:"statusReason,omitempty"`

	// proposal | plan | order | original-order | reflex-order | filler-order | instance-order | option
	Intent   string            `json:"intent"`
	Category []CodeableConcept `json:"category,omitempty"`
	Priority string            `json:"priority,omitempty"` // routine | urgent | asap | stat

	DoNotPerform bool `json:"doNotPerform,omitempty"`

	// R4 carries the medication as a choice of concept or reference.
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	MedicationReference       *Reference       `json:"medicationReference,omitempty"`

	Subject   Reference  `json:"subject"`
	Encounter *Reference `json:"encounter,omitempty"`

	AuthoredOn string     `json:"authoredOn,omitempty"`
	Requester  *Reference `json:"requester,omitempty"`
	Recorder   *Reference `json:"recorder,omitempty"`

	ReasonCode      []CodeableConcept `json:"reasonCode,omitempty"`
	ReasonReference []Reference       `json:"reasonReference,omitempty"`

	Note              []Annotation     `json:"note,omitempty"`
	DosageInstruction []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	ValidityPeriod         *Period    `json:"validityPeriod,omitempty"`
	NumberOfRepeatsAllowed int        `json:"numberOfRepeatsAllowed,omitempty"`
	Quantity               *Quantity  `json:"quantity,omitempty"`
	ExpectedSupplyDuration *Quantity  `json:"expectedSupplyDuration,omitempty"`
	Performer              *Reference `json:"performer,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence           int              `json:"sequence,omitempty"`
	Text               string           `json:"text,omitempty"`
	PatientInstruction string           `json:"patientInstruction,omitempty"`
	AsNeededBoolean    bool             `json:"asNeededBoolean,omitempty"`
	Route              *CodeableConcept `json:"route,omitempty"`
}

// EncounterReference returns the encounter the request was written in.
func (m *MedicationRequest) EncounterReference() *Reference {
	if m == nil {
		return nil
	}
	return m.Encounter
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	ref, ok := m.Subject.Target()
	if !ok {
		return ""
	}
	return ref.ID
}

// GetMedicationID returns the id of the referenced Medication resource, if any.
func (m *MedicationRequest) GetMedicationID() string {
	ref, ok := m.MedicationReference.Target()
	if !ok || (ref.Type != "" && ref.Type != ResourceTypeMedication) {
		return ""
	}
	return ref.ID
}

// GetMedicationCode extracts the primary medication code, preferring RxNorm then NDC.
func (m *MedicationRequest) GetMedicationCode() (system, code string) {
	cc := m.MedicationCodeableConcept
	if cc == nil {
		return "", ""
	}
	for _, coding := range cc.Coding {
		if coding.System == SystemRxNorm {
			return "rxnorm", coding.Code
		}
	}
	for _, coding := range cc.Coding {
		if coding.System == SystemNDC {
			return "ndc", coding.Code
		}
	}
	if len(cc.Coding) > 0 {
		return cc.Coding[0].System, cc.Coding[0].Code
	}
	return "", ""
}

// GetMedicationDisplay returns the display name carried on the request itself.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if d := m.MedicationCodeableConcept.Display(); d != "" {
		return d
	}
	if m.MedicationReference != nil {
		return m.MedicationReference.Display
	}
	return ""
}

// GetSigText returns the first dosage instruction text.
func (m *MedicationRequest) GetSigText() string {
	for _, d := range m.DosageInstruction {
		if d.Text != "" {
			return d.Text
		}
	}
	return ""
}
