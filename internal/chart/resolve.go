package chart

import "github.com/drfirst/go-chart/internal/fhir/r4"

// Fact is a clinical resource that may point at the encounter it was recorded in.
type Fact interface {
	EncounterReference() *r4.Reference
}

// ResolveByEncounter returns the facts whose encounter reference points at
// the encounter with id encounterID, in input order. References are compared
// by parsed type and id, so Encounter/e1 never matches Encounter/e10. An empty
// id matches nothing, and facts without an encounter reference never match.
func ResolveByEncounter[F Fact](facts []F, encounterID string) []F {
	out := make([]F, 0)
	if encounterID == "" {
		return out
	}
	for _, f := range facts {
		if pointsAt(f, encounterID) {
			out = append(out, f)
		}
	}
	return out
}

// UnlinkedFacts returns the facts that point at none of the given encounters.
func UnlinkedFacts[F Fact](facts []F, encounters []*r4.Encounter) []F {
	out := make([]F, 0)
	for _, f := range facts {
		linked := false
		for _, e := range encounters {
			if e != nil && pointsAt(f, e.ID) {
				linked = true
				break
			}
		}
		if !linked {
			out = append(out, f)
		}
	}
	return out
}

func pointsAt(f Fact, encounterID string) bool {
	ref, ok := f.EncounterReference().Target()
	return ok && ref.Is(r4.ResourceTypeEncounter, encounterID)
}
