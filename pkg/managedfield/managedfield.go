// Package managedfield holds the closed, configured set of fields
// subject to three-way reconciliation, and the normalization rule the
// kernel uses to compare values across A, B and the shadow.
//
// The set is expressed as a static table rather than switch statements
// scattered through the kernel and executor, so growing it later is a
// config change, not a code change to the decision procedure itself.
package managedfield

import "strings"

// Field names one managed field and how it maps between A (the local
// store) and B (the remote API). All fields share one comparison
// normalizer, Normalize.
type Field struct {
	// Name is the canonical name used by the shadow, conflict ledger and
	// sync log.
	Name string
	// AColumn is the column name on the A-side customer row.
	AColumn string
	// BField is the JSON field name on the B-side subscriber payload.
	BField string
}

// Registry is the ordered, closed set of managed fields. Order is
// stable so that log output and diagnostic samples are deterministic.
var Registry = []Field{
	{Name: "first_name", AColumn: "first_name", BField: "fields.name"},
	{Name: "last_name", AColumn: "last_name", BField: "fields.last_name"},
	{Name: "phone", AColumn: "phone", BField: "fields.phone"},
	{Name: "city", AColumn: "city", BField: "fields.city"},
	{Name: "country", AColumn: "country", BField: "fields.country"},
}

// Names returns the managed field names in registry order.
func Names() []string {
	out := make([]string, len(Registry))
	for i, f := range Registry {
		out[i] = f.Name
	}
	return out
}

// BKey returns the key under the B-side subscriber's "fields" object,
// stripping the "fields." prefix BField carries for documentation.
func (f Field) BKey() string { return strings.TrimPrefix(f.BField, "fields.") }

// ByName looks up a Field by its canonical name.
func ByName(name string) (Field, bool) {
	for _, f := range Registry {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Normalize implements the kernel's comparison-only normalization rule:
// nil/undefined collapses to "", trimmed, and an empty result lower-cases
// to "" too. Stored values keep their original case; only the value
// used for equality comparison is normalized.
func Normalize(v *string) string {
	if v == nil {
		return ""
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return ""
	}
	return strings.ToLower(s)
}

// Empty reports whether a normalized value represents "no value".
func Empty(norm string) bool { return norm == "" }
