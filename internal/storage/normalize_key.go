package storage

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// NormalizeKey converts a key value to a canonical string form, suitable for
// in-memory maps (e.g. "C-001" or "60601").
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps dedupe maps consistent across backends. driver.Valuer values (null
// types) are unwrapped first, so an invalid null.String normalizes to "".
func NormalizeKey(v any) string {
	switch t := BindValue(v).(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return fmt.Sprintf("%d", t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// BindValue unwraps driver.Valuer values (null types, decimals) into driver
// primitives so every backend sees the same shapes. A Valuer that fails is
// passed through untouched and left for the driver to report.
func BindValue(v any) any {
	vr, ok := v.(driver.Valuer)
	if !ok {
		return v
	}
	out, err := vr.Value()
	if err != nil {
		return v
	}
	return out
}

// BindRow applies BindValue to every value of row in place and returns it.
func BindRow(row []any) []any {
	for i := range row {
		row[i] = BindValue(row[i])
	}
	return row
}
