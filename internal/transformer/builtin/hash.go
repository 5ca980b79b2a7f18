// Package builtin contains small, reusable record transforms used by the
// cleaning pipeline.
package builtin

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rawstage/pkg/records"
)

// Hash computes a deterministic SHA-256 hash from selected fields and writes it
// into a target field on each record.
//
// Staging upserts compare the stored hash against the incoming one and skip
// the UPDATE when nothing changed, so re-running a batch over unchanged input
// leaves the target rows untouched.
//
// Canonicalization rules:
//   - Fields are concatenated in the given order using Separator.
//   - Missing or nil values (including invalid null.* values) are encoded as a
//     single NUL byte so missing differs from empty-string.
//   - driver.Valuer values (null types, decimals) are unwrapped first.
//   - time.Time values are encoded as RFC3339Nano in UTC.
//   - Output is a lowercase hex string (length 64).
type Hash struct {
	// Fields is the ordered list of input fields used to compute the hash.
	Fields []string

	// TargetField is where the computed hash is stored.
	TargetField string

	// IncludeFieldNames includes "field=value" in the canonical form.
	IncludeFieldNames bool

	// Separator used between field components. Defaults to ASCII Unit Separator.
	Separator string

	// Overwrite controls whether an existing TargetField is replaced.
	Overwrite bool

	// TrimSpace trims leading/trailing whitespace of string values before hashing.
	TrimSpace bool
}

// Apply computes hashes and mutates records in-place.
func (h Hash) Apply(in []records.Record) []records.Record {
	if len(in) == 0 {
		return in
	}
	if h.TargetField == "" || len(h.Fields) == 0 {
		return in
	}

	sep := h.Separator
	if sep == "" {
		sep = "\x1f"
	}

	for _, r := range in {
		if r == nil {
			continue
		}
		if !h.Overwrite {
			if _, exists := r[h.TargetField]; exists {
				continue
			}
		}

		sum := hashRecord(r, h.Fields, sep, h.IncludeFieldNames, h.TrimSpace)
		r[h.TargetField] = hex.EncodeToString(sum[:])
	}

	return in
}

func hashRecord(r records.Record, fields []string, sep string, includeNames bool, trimSpace bool) [sha256.Size]byte {
	var b strings.Builder
	b.Grow(len(fields) * 20)

	for i, f := range fields {
		if i > 0 {
			b.WriteString(sep)
		}
		if includeNames {
			b.WriteString(f)
			b.WriteByte('=')
		}

		v, ok := r[f]
		if !ok {
			b.WriteByte('\x00')
			continue
		}
		AppendCanonicalValue(&b, v, trimSpace)
	}

	return sha256.Sum256([]byte(b.String()))
}

// AppendCanonicalValue appends a stable, canonical representation of v.
// It avoids fmt.Sprint for common types to reduce allocations.
func AppendCanonicalValue(b *strings.Builder, v any, trimSpace bool) {
	if vr, ok := v.(driver.Valuer); ok {
		dv, err := vr.Value()
		if err != nil {
			b.WriteString(fmt.Sprint(v))
			return
		}
		v = dv
	}

	switch t := v.(type) {
	case nil:
		b.WriteByte('\x00')

	case string:
		if trimSpace && HasEdgeSpace(t) {
			b.WriteString(strings.TrimSpace(t))
		} else {
			b.WriteString(t)
		}

	case []byte:
		s := string(t)
		if trimSpace && HasEdgeSpace(s) {
			s = strings.TrimSpace(s)
		}
		b.WriteString(s)

	case bool:
		b.WriteString(strconv.FormatBool(t))

	case int:
		b.WriteString(strconv.Itoa(t))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))

	case float32:
		b.WriteString(strconv.FormatFloat(float64(t), 'g', -1, 32))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))

	case time.Time:
		tt := t
		if !tt.IsZero() {
			tt = tt.UTC()
		}
		b.WriteString(tt.Format(time.RFC3339Nano))

	default:
		b.WriteString(fmt.Sprint(t))
	}
}
