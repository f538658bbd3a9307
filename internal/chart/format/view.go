package format

import (
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-chart/internal/chart"
	"github.com/drfirst/go-chart/internal/fhir/r4"
)

// ChartView is a chart with every value rendered for display.
type ChartView struct {
	PatientID string             `json:"patientId"`
	Locale    string             `json:"locale"`
	Patient   *PatientView       `json:"patient,omitempty"`
	Timeline  []EncounterView    `json:"timeline"`
	Allergies []AllergyGroupView `json:"allergies"`
	Unlinked  UnlinkedView       `json:"unlinked"`
	Missing   []string           `json:"missingSections,omitempty"`
}

// PatientView is the demographic header.
type PatientView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	GivenNames string `json:"givenNames"`
	FamilyName string `json:"familyName"`
	Gender     string `json:"gender"`
	BirthDate  string `json:"birthDate"`
	Age        string `json:"age"`
	MRN        string `json:"mrn,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Address    string `json:"address,omitempty"`
}

// EncounterView is one timeline entry.
type EncounterView struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Status       string            `json:"status"`
	StatusTier   Tier              `json:"statusTier"`
	Period       string            `json:"period"`
	HasData      bool              `json:"hasData"`
	Observations []ObservationView `json:"observations"`
	Conditions   []ConditionView   `json:"conditions"`
	Medications  []MedicationView  `json:"medications"`
}

// ObservationView is a rendered observation.
type ObservationView struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Value     string `json:"value"`
	Status    string `json:"status"`
	Effective string `json:"effective"`
}

// ConditionView is a rendered condition.
type ConditionView struct {
	ID         string `json:"id"`
	Code       string `json:"code"`
	Status     string `json:"status"`
	StatusTier Tier   `json:"statusTier"`
	Onset      string `json:"onset"`
}

// MedicationView is a rendered medication request.
type MedicationView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	StatusTier   Tier   `json:"statusTier"`
	Priority     string `json:"priority,omitempty"`
	PriorityTier Tier   `json:"priorityTier"`
	Authored     string `json:"authored"`
	Sig          string `json:"sig,omitempty"`
}

// AllergyGroupView is one allergy category.
type AllergyGroupView struct {
	Key   string        `json:"key"`
	Label string        `json:"label"`
	Items []AllergyView `json:"items"`
}

// AllergyView is a rendered allergy.
type AllergyView struct {
	ID              string   `json:"id"`
	Substance       string   `json:"substance"`
	Criticality     string   `json:"criticality"`
	CriticalityTier Tier     `json:"criticalityTier"`
	Status          string   `json:"status"`
	Reactions       []string `json:"reactions"`
	Recorded        string   `json:"recorded"`
}

// UnlinkedView lists facts that belong to no fetched encounter.
type UnlinkedView struct {
	Observations []ObservationView `json:"observations"`
	Conditions   []ConditionView   `json:"conditions"`
	Medications  []MedicationView  `json:"medications"`
}

// Render renders c in f's locale. now anchors the patient's age.
func (f *Formatter) Render(c *chart.Chart, now time.Time) *ChartView {
	v := &ChartView{
		PatientID: c.PatientID,
		Locale:    f.Locale(),
		Patient:   f.patient(c.Patient, now),
		Timeline:  make([]EncounterView, 0, len(c.Timeline)),
		Allergies: make([]AllergyGroupView, 0, len(c.Allergies)),
		Unlinked: UnlinkedView{
			Observations: mapSlice(c.Unlinked.Observations, f.observation),
			Conditions:   mapSlice(c.Unlinked.Conditions, f.condition),
			Medications:  mapSlice(c.Unlinked.MedicationRequests, func(m *r4.MedicationRequest) MedicationView { return f.medication(c, m) }),
		},
	}

	for _, entry := range c.Timeline {
		enc := entry.Encounter
		period := NotAvailable
		if enc.Period != nil {
			period = f.Period(enc.Period.Start, enc.Period.End, Medium, NotAvailable)
		}
		v.Timeline = append(v.Timeline, EncounterView{
			ID:           enc.ID,
			Type:         orPlaceholder(enc.GetTypeDisplay()),
			Status:       StatusLabel(enc.Status),
			StatusTier:   EncounterStatusTier(enc.Status),
			Period:       period,
			HasData:      entry.HasData,
			Observations: mapSlice(entry.Observations, f.observation),
			Conditions:   mapSlice(entry.Conditions, f.condition),
			Medications:  mapSlice(entry.MedicationRequests, func(m *r4.MedicationRequest) MedicationView { return f.medication(c, m) }),
		})
	}

	for _, g := range c.Allergies {
		v.Allergies = append(v.Allergies, AllergyGroupView{
			Key:   g.Key,
			Label: CategoryLabel(g.Key),
			Items: mapSlice(g.Items, f.allergy),
		})
	}

	for _, slot := range c.Missing {
		v.Missing = append(v.Missing, string(slot))
	}
	return v
}

func (f *Formatter) patient(p *r4.Patient, now time.Time) *PatientView {
	if p == nil {
		return nil
	}
	return &PatientView{
		ID:         p.ID,
		Name:       orPlaceholder(p.GetFullName()),
		GivenNames: p.GetGivenNames(),
		FamilyName: p.GetFamilyName(),
		Gender:     orPlaceholder(Capitalize(p.Gender)),
		BirthDate:  f.Date(p.BirthDate, Long, NotAvailable),
		Age:        f.AgeLabel(p.BirthDate, now, NotAvailable),
		MRN:        p.GetMRN(),
		Phone:      p.GetPhone(),
		Address:    AddressLine(p.GetHomeAddress()),
	}
}

func (f *Formatter) observation(o *r4.Observation) ObservationView {
	return ObservationView{
		ID:        o.ID,
		Code:      orPlaceholder(o.Code.Display()),
		Value:     orPlaceholder(f.ObservationValue(o)),
		Status:    StatusLabel(o.Status),
		Effective: f.Date(o.EffectiveDate(), DateTime, NotAvailable),
	}
}

func (f *Formatter) condition(c *r4.Condition) ConditionView {
	onset := f.Date(c.OnsetDateTime, Medium, Blank)
	if onset == "" {
		onset = orPlaceholder(c.OnsetString)
	}
	status := c.GetClinicalStatus()
	return ConditionView{
		ID:         c.ID,
		Code:       orPlaceholder(c.Code.Display()),
		Status:     StatusLabel(status),
		StatusTier: ConditionStatusTier(status),
		Onset:      onset,
	}
}

func (f *Formatter) medication(c *chart.Chart, m *r4.MedicationRequest) MedicationView {
	return MedicationView{
		ID:           m.ID,
		Name:         orPlaceholder(c.MedicationName(m)),
		Status:       StatusLabel(m.Status),
		StatusTier:   MedicationStatusTier(m.Status),
		Priority:     StatusLabel(m.Priority),
		PriorityTier: PriorityTier(m.Priority),
		Authored:     f.Date(m.AuthoredOn, Medium, NotAvailable),
		Sig:          m.GetSigText(),
	}
}

func (f *Formatter) allergy(a *r4.AllergyIntolerance) AllergyView {
	var status string
	if a.ClinicalStatus != nil && len(a.ClinicalStatus.Coding) > 0 {
		status = a.ClinicalStatus.Coding[0].Code
	}
	reactions := make([]string, 0, len(a.Reaction))
	for _, r := range a.Reaction {
		for i := range r.Manifestation {
			if d := r.Manifestation[i].Display(); d != "" {
				reactions = append(reactions, d)
			}
		}
		if len(r.Manifestation) == 0 && r.Description != "" {
			reactions = append(reactions, r.Description)
		}
	}
	return AllergyView{
		ID:              a.ID,
		Substance:       orPlaceholder(a.Code.Display()),
		Criticality:     orPlaceholder(StatusLabel(a.Criticality)),
		CriticalityTier: CriticalityTier(a.Criticality),
		Status:          StatusLabel(status),
		Reactions:       reactions,
		Recorded:        f.Date(a.RecordedDate, Medium, NotAvailable),
	}
}

// ObservationValue renders whichever value[x] the observation carries, or its
// components when it has none.
func (f *Formatter) ObservationValue(o *r4.Observation) string {
	switch {
	case o.ValueQuantity != nil:
		return f.quantity(o.ValueQuantity)
	case o.ValueCodeableConcept != nil:
		return o.ValueCodeableConcept.Display()
	case o.ValueString != "":
		return o.ValueString
	case o.ValueBoolean != nil:
		if *o.ValueBoolean {
			return "Yes"
		}
		return "No"
	case o.ValueInteger != nil:
		return f.Number(float64(*o.ValueInteger), 0)
	case o.ValueRange != nil:
		return f.quantity(o.ValueRange.Low) + " - " + f.quantity(o.ValueRange.High)
	case o.ValueDateTime != "":
		return f.Date(o.ValueDateTime, DateTime, Blank)
	}

	parts := make([]string, 0, len(o.Component))
	for i := range o.Component {
		comp := &o.Component[i]
		var value string
		switch {
		case comp.ValueQuantity != nil:
			value = f.quantity(comp.ValueQuantity)
		case comp.ValueCodeableConcept != nil:
			value = comp.ValueCodeableConcept.Display()
		default:
			value = comp.ValueString
		}
		if value == "" {
			continue
		}
		if name := comp.Code.Display(); name != "" {
			value = name + ": " + value
		}
		parts = append(parts, value)
	}
	return strings.Join(parts, "; ")
}

func (f *Formatter) quantity(q *r4.Quantity) string {
	if q == nil {
		return ""
	}
	s := q.Comparator + f.Number(q.Value, decimals(q.Value))
	unit := q.Unit
	if unit == "" {
		unit = q.Code
	}
	if unit != "" {
		s += " " + unit
	}
	return s
}

// decimals is the number of fraction digits needed to show v, capped at 4.
func decimals(v float64) uint64 {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	_, frac, ok := strings.Cut(s, ".")
	if !ok {
		return 0
	}
	return uint64(min(len(frac), 4))
}

// AddressLine renders an address on one line.
func AddressLine(a *r4.Address) string {
	if a == nil {
		return ""
	}
	if a.Text != "" {
		return a.Text
	}
	parts := make([]string, 0, len(a.Line)+3)
	parts = append(parts, a.Line...)
	if a.City != "" {
		parts = append(parts, a.City)
	}
	region := strings.TrimSpace(a.State + " " + a.PostalCode)
	if region != "" {
		parts = append(parts, region)
	}
	if a.Country != "" {
		parts = append(parts, a.Country)
	}
	return strings.Join(parts, ", ")
}

func orPlaceholder(s string) string {
	if s == "" {
		return NotAvailable
	}
	return s
}

func mapSlice[T any, V any](items []T, fn func(T) V) []V {
	out := make([]V, 0, len(items))
	for _, item := range items {
		out = append(out, fn(item))
	}
	return out
}
