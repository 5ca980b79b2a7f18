// Package records defines the map-shaped record passed between the cleaning
// pipeline and the storage layer.
package records

// Record is one canonical entity row keyed by column name.
//
// Values are either nil, driver primitives (string, int64, float64, time.Time)
// or types implementing driver.Valuer (null.String, decimal.Decimal, ...).
// storage.BindValue unwraps the latter before values reach a backend.
type Record map[string]any

// Values returns the record's values in the order given by columns.
// Missing columns yield nil.
func (r Record) Values(columns []string) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i] = r[c]
	}
	return out
}
