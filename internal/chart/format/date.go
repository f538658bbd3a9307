// Package format turns correlated chart data into display strings: locale
// aware dates, calendar ages, status labels and severity tiers.
package format

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/locales"
	"github.com/go-playground/locales/de"
	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/en_GB"
	"github.com/go-playground/locales/es"
	"github.com/go-playground/locales/fr"
	ut "github.com/go-playground/universal-translator"

	"github.com/drfirst/go-chart/internal/fhir/r4"
)

// Placeholders returned for absent or unparsable values. Callers pick one.
const (
	NotAvailable = "N/A"
	Blank        = ""
)

// Style selects a date rendering.
type Style int

const (
	Short Style = iota
	Medium
	Long
	DateTime
)

var universal = ut.New(en.New(), en.New(), en_GB.New(), de.New(), fr.New(), es.New())

// Formatter renders values for one locale.
type Formatter struct {
	trans locales.Translator
}

// New returns a Formatter for locale, such as "en", "en-GB" or "de". Unknown
// locales fall back to English.
func New(locale string) *Formatter {
	normalized := strings.ReplaceAll(strings.TrimSpace(locale), "-", "_")
	lang, _, _ := strings.Cut(normalized, "_")
	trans, _ := universal.FindTranslator(normalized, strings.ToLower(lang))
	return &Formatter{trans: trans}
}

// Locale returns the locale the formatter renders in.
func (f *Formatter) Locale() string {
	return f.trans.Locale()
}

// Date renders a FHIR date or dateTime in the given style. Absent or
// unparsable values render as placeholder. Partial dates render only the
// parts they carry: a year alone, or month and year.
func (f *Formatter) Date(value string, style Style, placeholder string) string {
	dt, ok := r4.ParseDateTime(value)
	if !ok {
		return placeholder
	}
	t := dt.Time
	switch dt.Precision {
	case r4.PrecisionYear:
		return strconv.Itoa(t.Year())
	case r4.PrecisionMonth:
		return f.trans.MonthWide(t.Month()) + " " + strconv.Itoa(t.Year())
	}

	switch style {
	case Short:
		return f.trans.FmtDateShort(t)
	case Long:
		return f.trans.FmtDateLong(t)
	case DateTime:
		if dt.Precision == r4.PrecisionTime {
			return f.trans.FmtDateMedium(t) + " " + f.trans.FmtTimeShort(t)
		}
		return f.trans.FmtDateMedium(t)
	default:
		return f.trans.FmtDateMedium(t)
	}
}

// Period renders a date range. A missing bound renders as placeholder;
// when both are missing the whole period does.
func (f *Formatter) Period(start, end string, style Style, placeholder string) string {
	if _, ok := r4.ParseDateTime(start); !ok {
		if _, ok := r4.ParseDateTime(end); !ok {
			return placeholder
		}
	}
	from := f.Date(start, style, placeholder)
	to := f.Date(end, style, placeholder)
	if end == "" {
		return from
	}
	return from + " - " + to
}

// Time renders the time of day of a dateTime, or placeholder when the value
// carries no time.
func (f *Formatter) Time(value string, placeholder string) string {
	dt, ok := r4.ParseDateTime(value)
	if !ok || dt.Precision != r4.PrecisionTime {
		return placeholder
	}
	return f.trans.FmtTimeShort(dt.Time)
}

// Number renders a decimal with the locale's separators.
func (f *Formatter) Number(v float64, digits uint64) string {
	return f.trans.FmtNumber(v, digits)
}

// AgeLabel renders the calendar age at now, or placeholder.
func (f *Formatter) AgeLabel(birthDate string, now time.Time, placeholder string) string {
	years, ok := Age(birthDate, now)
	if !ok {
		return placeholder
	}
	return strconv.Itoa(years)
}
