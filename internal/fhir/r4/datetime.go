package r4

import (
	"strings"
	"time"
)

// Precision is the granularity a FHIR date or dateTime was recorded with.
type Precision int

const (
	PrecisionInvalid Precision = iota
	PrecisionYear
	PrecisionMonth
	PrecisionDay
	PrecisionTime
)

// DateTime is a parsed FHIR date, dateTime or instant.
type DateTime struct {
	Time      time.Time
	Precision Precision
}

var dateTimeLayouts = []struct {
	layout    string
	precision Precision
}{
	{time.RFC3339, PrecisionTime}, // fractional seconds are accepted when parsing
	{"2006-01-02T15:04:05", PrecisionTime},
	{"2006-01-02T15:04Z07:00", PrecisionTime},
	{"2006-01-02", PrecisionDay},
	{"2006-01", PrecisionMonth},
	{"2006", PrecisionYear},
}

// ParseDateTime parses the FHIR date/dateTime forms. Values without a zone
// are read as UTC. Partial dates resolve to the first instant they cover.
func ParseDateTime(s string) (DateTime, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DateTime{}, false
	}
	for _, l := range dateTimeLayouts {
		if t, err := time.Parse(l.layout, s); err == nil {
			return DateTime{Time: t, Precision: l.precision}, true
		}
	}
	return DateTime{}, false
}
