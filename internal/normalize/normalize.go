// Package normalize holds the field normalizers used by the cleaning pipeline.
//
// Every function is pure and takes a raw landing value (nil, string or []byte;
// anything else is rendered with fmt.Sprint). Recoverable failures yield null
// or a documented sentinel. Only the numeric coercions whose value has no safe
// default return a *FieldError.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CountryCode is the calling code prefixed to 10-digit phone numbers.
const CountryCode = "1"

// UnknownOpenTime is substituted by Timestamp when the input is empty or
// cannot be parsed. It means "unknown open time", not a real event at the
// epoch; downstream readers cannot tell the two apart.
var UnknownOpenTime = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// FieldError reports a value that cannot be coerced and has no safe default.
type FieldError struct {
	Field  string
	Value  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("normalize: %s: %q", e.Reason, e.Value)
	}
	return fmt.Sprintf("normalize: field %s: %s: %q", e.Field, e.Reason, e.Value)
}

// text extracts the raw string. ok is false for nil input.
func text(raw any) (string, bool) {
	switch v := raw.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case *string:
		if v == nil {
			return "", false
		}
		return *v, true
	case []byte:
		return string(v), true
	case null.String:
		return v.String, v.Valid
	default:
		return fmt.Sprint(v), true
	}
}

// String trims the value and collapses internal whitespace runs to a single
// space. Empty or absent input yields null, never "".
func String(raw any) null.String {
	s, ok := text(raw)
	if !ok {
		return null.String{}
	}
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return null.String{}
	}
	return null.StringFrom(s)
}

// Title applies String and then capitalizes the first letter of every word,
// lower-casing the rest ("  john   DOE " -> "John Doe"). Words follow Unicode
// word boundaries, so hyphenated parts are capitalized too
// ("mary-jane" -> "Mary-Jane").
func Title(raw any) null.String {
	s := String(raw)
	if !s.Valid {
		return s
	}
	return null.StringFrom(cases.Title(language.Und).String(s.String))
}

// Upper trims and upper-cases. Empty input yields null.
func Upper(raw any) null.String {
	s, ok := text(raw)
	if !ok {
		return null.String{}
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return null.String{}
	}
	return null.StringFrom(s)
}

// Lower trims and lower-cases. Empty input yields null.
func Lower(raw any) null.String {
	s, ok := text(raw)
	if !ok {
		return null.String{}
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return null.String{}
	}
	return null.StringFrom(s)
}

// Key canonicalizes a natural or foreign key: trimmed and upper-cased.
func Key(raw any) null.String {
	return Upper(raw)
}

// Phone keeps the digits of raw. Ten digits get the country code prefixed,
// eleven digits starting with the country code get a leading "+". Any other
// digit count yields null.
func Phone(raw any) null.String {
	s, ok := text(raw)
	if !ok {
		return null.String{}
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 10:
		return null.StringFrom("+" + CountryCode + digits)
	case len(digits) == 11 && strings.HasPrefix(digits, CountryCode):
		return null.StringFrom("+" + digits)
	default:
		return null.String{}
	}
}

// Layouts are tried in order. Month-first forms precede day-first forms, so
// "03/04/2024" reads as March 4th.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006",
	"02-01-2006",
	"02.01.2006",
	"02-Jan-2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"Mon, 02 Jan 2006 15:04:05 MST",
	"20060102",
}

// parseTime tries every layout; naive values are read as UTC.
func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateTimeLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Date parses raw as a calendar date in any supported representation and
// keeps only the date (UTC midnight). Empty or unparseable input yields null.
func Date(raw any) null.Time {
	s, ok := text(raw)
	if !ok {
		return null.Time{}
	}
	ts, ok := parseTime(s)
	if !ok {
		return null.Time{}
	}
	y, m, d := ts.Date()
	return null.TimeFrom(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

// Timestamp parses a full date-time, normalized to UTC. Empty or unparseable
// input yields UnknownOpenTime.
func Timestamp(raw any) time.Time {
	s, ok := text(raw)
	if !ok {
		return UnknownOpenTime
	}
	ts, ok := parseTime(s)
	if !ok {
		return UnknownOpenTime
	}
	return ts.UTC()
}

// Decimal coerces raw to a fixed-precision decimal rounded to places.
// A leading "$" and thousands separators are tolerated. Empty or non-numeric
// input is an error: a missing amount has no safe default.
func Decimal(raw any, places int32) (decimal.Decimal, error) {
	s, ok := text(raw)
	if !ok || strings.TrimSpace(s) == "" {
		return decimal.Decimal{}, &FieldError{Reason: "missing numeric value"}
	}
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(clean, "$")
	clean = strings.ReplaceAll(clean, ",", "")

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Decimal{}, &FieldError{Value: s, Reason: "not a number"}
	}
	return d.Round(places), nil
}

// Integer parses an integral value. Empty input yields null; integral
// decimals such as "60601.0" are accepted; anything else is an error.
func Integer(raw any) (null.Int, error) {
	s, ok := text(raw)
	s = strings.TrimSpace(s)
	if !ok || s == "" {
		return null.Int{}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return null.IntFrom(n), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() {
		return null.Int{}, &FieldError{Value: s, Reason: "not an integer"}
	}
	return null.IntFrom(d.IntPart()), nil
}

// Float coerces raw to a float. Empty, non-numeric, NaN or infinite input
// yields null.
func Float(raw any) null.Float {
	s, ok := text(raw)
	if !ok {
		return null.Float{}
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return null.Float{}
	}
	return null.FloatFrom(f)
}
