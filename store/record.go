package store

import (
	"fmt"
	"time"
)

// Record is an opaque row as returned by the data store. Unknown fields are
// tolerated everywhere; consumers read through the accessors below.
type Record map[string]any

// createdAtLayouts are the timestamp shapes the store is known to emit.
var createdAtLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ID returns the record identifier as a string, or "unknown" when absent.
func (r Record) ID() string {
	v, ok := r["id"]
	if !ok || v == nil {
		return "unknown"
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return "unknown"
		}
		return id
	case float64:
		// JSON numbers decode as float64
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprintf("%v", id)
	}
}

// CreatedAt parses the record's creation timestamp. The zero time is
// returned when the field is absent or unparseable.
func (r Record) CreatedAt() time.Time {
	v, ok := r["created_at"]
	if !ok || v == nil {
		return time.Time{}
	}

	switch ts := v.(type) {
	case time.Time:
		return ts
	case string:
		for _, layout := range createdAtLayouts {
			if t, err := time.Parse(layout, ts); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// Field returns the named field rendered for display, "N/A" when absent,
// empty, or null.
func (r Record) Field(name string) string {
	v, ok := r[name]
	if !ok || v == nil {
		return "N/A"
	}
	s := fmt.Sprintf("%v", v)
	if s == "" {
		return "N/A"
	}
	return s
}

// Has reports whether the field is present with a non-nil value.
func (r Record) Has(name string) bool {
	v, ok := r[name]
	return ok && v != nil
}
