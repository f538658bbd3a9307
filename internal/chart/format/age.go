package format

import (
	"time"

	"github.com/drfirst/go-chart/internal/fhir/r4"
)

// Age returns whole calendar years between birthDate and now: the year
// difference, less one when now falls before the birthday in its year.
// It reports false for absent or unparsable dates and for births after now.
func Age(birthDate string, now time.Time) (int, bool) {
	dt, ok := r4.ParseDateTime(birthDate)
	if !ok {
		return 0, false
	}
	birth := dt.Time
	if dt.Precision == r4.PrecisionTime {
		birth = birth.In(now.Location())
	}

	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	if years < 0 {
		return 0, false
	}
	return years, true
}
