package chart

import (
	"slices"
	"time"

	"github.com/drfirst/go-chart/internal/fhir/r4"
)

// TimelineEntry is one encounter with the facts recorded in it.
type TimelineEntry struct {
	Encounter          *r4.Encounter           `json:"encounter"`
	Observations       []*r4.Observation       `json:"observations"`
	Conditions         []*r4.Condition         `json:"conditions"`
	MedicationRequests []*r4.MedicationRequest `json:"medicationRequests"`
	HasData            bool                    `json:"hasData"`
}

// BuildTimeline orders encounters most recent first and attaches the facts
// that reference each one. See SortEncounters for the ordering rules.
func BuildTimeline(
	encounters []*r4.Encounter,
	observations []*r4.Observation,
	conditions []*r4.Condition,
	medicationRequests []*r4.MedicationRequest,
) []TimelineEntry {
	sorted := SortEncounters(encounters)
	timeline := make([]TimelineEntry, 0, len(sorted))
	for _, enc := range sorted {
		entry := TimelineEntry{
			Encounter:          enc,
			Observations:       ResolveByEncounter(observations, enc.ID),
			Conditions:         ResolveByEncounter(conditions, enc.ID),
			MedicationRequests: ResolveByEncounter(medicationRequests, enc.ID),
		}
		entry.HasData = len(entry.Observations) > 0 || len(entry.Conditions) > 0 || len(entry.MedicationRequests) > 0
		timeline = append(timeline, entry)
	}
	return timeline
}

// SortEncounters returns a copy of encounters sorted by effective date,
// newest first. The effective date is period.start, or period.end when start
// is absent. Encounters whose effective date is missing or unparsable sort
// after every dated encounter, and ties keep their input order. Nil entries
// are dropped.
func SortEncounters(encounters []*r4.Encounter) []*r4.Encounter {
	type dated struct {
		enc *r4.Encounter
		at  time.Time
		ok  bool
	}
	items := make([]dated, 0, len(encounters))
	for _, e := range encounters {
		if e == nil {
			continue
		}
		dt, ok := r4.ParseDateTime(e.EffectiveDate())
		items = append(items, dated{enc: e, at: dt.Time, ok: ok})
	}

	slices.SortStableFunc(items, func(a, b dated) int {
		switch {
		case a.ok && b.ok:
			return b.at.Compare(a.at)
		case a.ok:
			return -1
		case b.ok:
			return 1
		default:
			return 0
		}
	})

	out := make([]*r4.Encounter, len(items))
	for i, it := range items {
		out[i] = it.enc
	}
	return out
}
