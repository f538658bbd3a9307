package format

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/drfirst/go-chart/internal/fhir/r4"
)

// Tier is the display classification of a status, criticality or priority code.
type Tier string

const (
	TierHigh      Tier = "high"
	TierLow       Tier = "low"
	TierActive    Tier = "active"
	TierCompleted Tier = "completed"
	TierStopped   Tier = "stopped"
	TierOnHold    Tier = "on-hold"
	TierDefault   Tier = "default"
)

// CriticalityTier classifies an allergy criticality.
func CriticalityTier(criticality string) Tier {
	switch criticality {
	case r4.CriticalityHigh:
		return TierHigh
	case r4.CriticalityLow:
		return TierLow
	default:
		return TierDefault
	}
}

// MedicationStatusTier classifies a medication request status.
func MedicationStatusTier(status string) Tier {
	switch status {
	case r4.StatusActive:
		return TierActive
	case r4.StatusCompleted:
		return TierCompleted
	case r4.StatusStopped, r4.StatusCancelled:
		return TierStopped
	case r4.StatusOnHold:
		return TierOnHold
	default:
		return TierDefault
	}
}

// PriorityTier classifies a request priority.
func PriorityTier(priority string) Tier {
	switch priority {
	case r4.PriorityStat, r4.PriorityASAP, r4.PriorityUrgent:
		return TierHigh
	case r4.PriorityRoutine:
		return TierLow
	default:
		return TierDefault
	}
}

// EncounterStatusTier classifies an encounter status.
func EncounterStatusTier(status string) Tier {
	switch status {
	case "arrived", "triaged", "in-progress":
		return TierActive
	case "finished":
		return TierCompleted
	case "cancelled", "entered-in-error":
		return TierStopped
	case "planned", "onleave":
		return TierOnHold
	default:
		return TierDefault
	}
}

// ConditionStatusTier classifies a condition clinical status.
func ConditionStatusTier(status string) Tier {
	switch status {
	case "active", "recurrence", "relapse":
		return TierActive
	case "resolved", "remission", "inactive":
		return TierCompleted
	default:
		return TierDefault
	}
}

// Capitalize upper-cases the first letter of s.
func Capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// CategoryLabel is the heading of a grouping bucket. The empty key heads the
// uncategorized bucket.
func CategoryLabel(key string) string {
	if key == "" {
		return "Uncategorized"
	}
	return Capitalize(key)
}

// StatusLabel turns a status code such as "on-hold" into "On hold".
func StatusLabel(code string) string {
	if code == "" {
		return ""
	}
	return Capitalize(strings.ReplaceAll(code, "-", " "))
}
