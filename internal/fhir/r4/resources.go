package r4

import "strings"

// Patient represents a FHIR R4 Patient resource.
type Patient struct {
	ResourceType         string                 `json:"resourceType"`
	ID                   string                 `json:"id,omitempty"`
	Meta                 *Meta                  `json:"meta,omitempty"`
	Identifier           []Identifier           `json:"identifier,omitempty"`
	Active               *bool                  `json:"active,omitempty"`
	Name                 []HumanName            `json:"name,omitempty"`
	Telecom              []ContactPoint         `json:"telecom,omitempty"`
	Gender               string                 `json:"gender,omitempty"` // male | female | other | unknown
	BirthDate            string                 `json:"birthDate,omitempty"`
	DeceasedBoolean      *bool                  `json:"deceasedBoolean,omitempty"`
	DeceasedDateTime     string                 `json:"deceasedDateTime,omitempty"`
	Address              []Address              `json:"address,omitempty"`
	MaritalStatus        *CodeableConcept       `json:"maritalStatus,omitempty"`
	Communication        []PatientCommunication `json:"communication,omitempty"`
	GeneralPractitioner  []Reference            `json:"generalPractitioner,omitempty"`
	ManagingOrganization *Reference             `json:"managingOrganization,omitempty"`
}

// PatientCommunication represents a patient's preferred language.
type PatientCommunication struct {
	Language  CodeableConcept `json:"language"`
	Preferred bool            `json:"preferred,omitempty"`
}

// GetOfficialName returns the patient's official name, or first available.
func (p *Patient) GetOfficialName() *HumanName {
	for i := range p.Name {
		if p.Name[i].Use == "official" {
			return &p.Name[i]
		}
	}
	if len(p.Name) > 0 {
		return &p.Name[0]
	}
	return nil
}

// GetGivenNames returns the given names of the first recorded name joined by spaces.
func (p *Patient) GetGivenNames() string {
	if p == nil || len(p.Name) == 0 {
		return ""
	}
	return strings.Join(p.Name[0].Given, " ")
}

// GetFamilyName returns the family name of the first recorded name.
func (p *Patient) GetFamilyName() string {
	if p == nil || len(p.Name) == 0 {
		return ""
	}
	return p.Name[0].Family
}

// GetFullName returns the patient's full name as a string.
func (p *Patient) GetFullName() string {
	name := p.GetOfficialName()
	if name == nil {
		return ""
	}
	if name.Text != "" {
		return name.Text
	}
	parts := make([]string, 0, len(name.Given)+1)
	parts = append(parts, name.Given...)
	if name.Family != "" {
		parts = append(parts, name.Family)
	}
	return strings.Join(parts, " ")
}

// GetHomeAddress returns the patient's home address.
func (p *Patient) GetHomeAddress() *Address {
	for i := range p.Address {
		if p.Address[i].Use == "home" {
			return &p.Address[i]
		}
	}
	if len(p.Address) > 0 {
		return &p.Address[0]
	}
	return nil
}

// GetMRN returns the patient's medical record number.
func (p *Patient) GetMRN() string {
	for _, id := range p.Identifier {
		if id.Type == nil {
			continue
		}
		for _, coding := range id.Type.Coding {
			if coding.Code == "MR" {
				return id.Value
			}
		}
	}
	return ""
}

// GetPhone returns the patient's primary phone number.
func (p *Patient) GetPhone() string {
	for _, t := range p.Telecom {
		if t.System == "phone" {
			return t.Value
		}
	}
	return ""
}

// Encounter represents a FHIR R4 Encounter resource.
type Encounter struct {
	ResourceType    string              `json:"resourceType"`
	ID              string              `json:"id,omitempty"`
	Meta            *Meta               `json:"meta,omitempty"`
	Identifier      []Identifier        `json:"identifier,omitempty"`
	Status          string              `json:"status,omitempty"` // planned | arrived | triaged | in-progress | onleave | finished | cancelled | entered-in-error | unknown
	Class           *Coding             `json:"class,omitempty"`
	Type            []CodeableConcept   `json:"type,omitempty"`
	ServiceType     *CodeableConcept    `json:"serviceType,omitempty"`
	Priority        *CodeableConcept    `json:"priority,omitempty"`
	Subject         *Reference          `json:"subject,omitempty"`
	Participant     []EncounterParty    `json:"participant,omitempty"`
	Period          *Period             `json:"period,omitempty"`
	ReasonCode      []CodeableConcept   `json:"reasonCode,omitempty"`
	Location        []EncounterLocation `json:"location,omitempty"`
	ServiceProvider *Reference          `json:"serviceProvider,omitempty"`
}

// EncounterParty is a participant involved in an encounter.
type EncounterParty struct {
	Type       []CodeableConcept `json:"type,omitempty"`
	Period     *Period           `json:"period,omitempty"`
	Individual *Reference        `json:"individual,omitempty"`
}

// EncounterLocation is a location where the patient was during the encounter.
type EncounterLocation struct {
	Location Reference `json:"location"`
	Status   string    `json:"status,omitempty"`
	Period   *Period   `json:"period,omitempty"`
}

// EffectiveDate returns period.start when present, otherwise period.end.
func (e *Encounter) EffectiveDate() string {
	if e == nil || e.Period == nil {
		return ""
	}
	if e.Period.Start != "" {
		return e.Period.Start
	}
	return e.Period.End
}

// GetTypeDisplay returns a display string for the first encounter type,
// falling back to the encounter class.
func (e *Encounter) GetTypeDisplay() string {
	for i := range e.Type {
		if d := e.Type[i].Display(); d != "" {
			return d
		}
	}
	if e.Class != nil {
		if e.Class.Display != "" {
			return e.Class.Display
		}
		return e.Class.Code
	}
	return ""
}

// Observation represents a FHIR R4 Observation resource.
type Observation struct {
	ResourceType         string                 `json:"resourceType"`
	ID                   string                 `json:"id,omitempty"`
	Meta                 *Meta                  `json:"meta,omitempty"`
	Identifier           []Identifier           `json:"identifier,omitempty"`
	Status               string                 `json:"status,omitempty"` // registered | preliminary | final | amended | corrected | cancelled | entered-in-error | unknown
	Category             []CodeableConcept      `json:"category,omitempty"`
	Code                 CodeableConcept        `json:"code"`
	Subject              *Reference             `json:"subject,omitempty"`
	Encounter            *Reference             `json:"encounter,omitempty"`
	EffectiveDateTime    string                 `json:"effectiveDateTime,omitempty"`
	EffectivePeriod      *Period                `json:"effectivePeriod,omitempty"`
	Issued               string                 `json:"issued,omitempty"`
	Performer            []Reference            `json:"performer,omitempty"`
	ValueQuantity        *Quantity              `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept       `json:"valueCodeableConcept,omitempty"`
	ValueString          string                 `json:"valueString,omitempty"`
	ValueBoolean         *bool                  `json:"valueBoolean,omitempty"`
	ValueInteger         *int                   `json:"valueInteger,omitempty"`
	ValueRange           *Range                 `json:"valueRange,omitempty"`
	ValueDateTime        string                 `json:"valueDateTime,omitempty"`
	Interpretation       []CodeableConcept      `json:"interpretation,omitempty"`
	Note                 []Annotation           `json:"note,omitempty"`
	Component            []ObservationComponent `json:"component,omitempty"`
}

// ObservationComponent is a component result of a multi-part observation.
type ObservationComponent struct {
	Code                 CodeableConcept  `json:"code"`
	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueString          string           `json:"valueString,omitempty"`
}

// EncounterReference returns the encounter the observation was made in.
func (o *Observation) EncounterReference() *Reference {
	if o == nil {
		return nil
	}
	return o.Encounter
}

// EffectiveDate returns effectiveDateTime, falling back to the effective period start and then issued.
func (o *Observation) EffectiveDate() string {
	switch {
	case o.EffectiveDateTime != "":
		return o.EffectiveDateTime
	case o.EffectivePeriod != nil && o.EffectivePeriod.Start != "":
		return o.EffectivePeriod.Start
	default:
		return o.Issued
	}
}

// Condition represents a FHIR R4 Condition resource.
type Condition struct {
	ResourceType       string            `json:"resourceType"`
	ID                 string            `json:"id,omitempty"`
	Meta               *Meta             `json:"meta,omitempty"`
	Identifier         []Identifier      `json:"identifier,omitempty"`
	ClinicalStatus     *CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept  `json:"verificationStatus,omitempty"`
	Category           []CodeableConcept `json:"category,omitempty"`
	Severity           *CodeableConcept  `json:"severity,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	BodySite           []CodeableConcept `json:"bodySite,omitempty"`
	Subject            Reference         `json:"subject"`
	Encounter          *Reference        `json:"encounter,omitempty"`
	OnsetDateTime      string            `json:"onsetDateTime,omitempty"`
	OnsetString        string            `json:"onsetString,omitempty"`
	AbatementDateTime  string            `json:"abatementDateTime,omitempty"`
	RecordedDate       string            `json:"recordedDate,omitempty"`
	Recorder           *Reference        `json:"recorder,omitempty"`
	Note               []Annotation      `json:"note,omitempty"`
}

// EncounterReference returns the encounter the condition was asserted in.
func (c *Condition) EncounterReference() *Reference {
	if c == nil {
		return nil
	}
	return c.Encounter
}

// GetClinicalStatus returns the first clinical status code.
func (c *Condition) GetClinicalStatus() string {
	if c.ClinicalStatus == nil || len(c.ClinicalStatus.Coding) == 0 {
		return ""
	}
	return c.ClinicalStatus.Coding[0].Code
}

// AllergyIntolerance represents a FHIR R4 AllergyIntolerance resource.
type AllergyIntolerance struct {
	ResourceType       string            `json:"resourceType"`
	ID                 string            `json:"id,omitempty"`
	Meta               *Meta             `json:"meta,omitempty"`
	Identifier         []Identifier      `json:"identifier,omitempty"`
	ClinicalStatus     *CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept  `json:"verificationStatus,omitempty"`
	Type               string            `json:"type,omitempty"`     // allergy | intolerance
	Category           []string          `json:"category,omitempty"` // food | medication | environment | biologic
	Criticality        string            `json:"criticality,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	Patient            Reference         `json:"patient"`
	Encounter          *Reference        `json:"encounter,omitempty"`
	OnsetDateTime      string            `json:"onsetDateTime,omitempty"`
	RecordedDate       string            `json:"recordedDate,omitempty"`
	LastOccurrence     string            `json:"lastOccurrence,omitempty"`
	Note               []Annotation      `json:"note,omitempty"`
	Reaction           []AllergyReaction `json:"reaction,omitempty"`
}

// AllergyReaction describes an adverse reaction event.
type AllergyReaction struct {
	Substance     *CodeableConcept  `json:"substance,omitempty"`
	Manifestation []CodeableConcept `json:"manifestation,omitempty"`
	Description   string            `json:"description,omitempty"`
	Onset         string            `json:"onset,omitempty"`
	Severity      string            `json:"severity,omitempty"` // mild | moderate | severe
}

// PrimaryCategory returns the first category, or "" when none is recorded.
func (a *AllergyIntolerance) PrimaryCategory() string {
	if a == nil || len(a.Category) == 0 {
		return ""
	}
	return a.Category[0]
}

// Medication represents a FHIR R4 Medication resource.
type Medication struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	Meta         *Meta            `json:"meta,omitempty"`
	Identifier   []Identifier     `json:"identifier,omitempty"`
	Code         *CodeableConcept `json:"code,omitempty"`
	Status       string           `json:"status,omitempty"` // active | inactive | entered-in-error
	Manufacturer *Reference       `json:"manufacturer,omitempty"`
	Form         *CodeableConcept `json:"form,omitempty"`
}
