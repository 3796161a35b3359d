package model

import (
	"strings"
	"time"
)

// TimeLayout is the RFC-3339-like, timezone-qualified layout used for every
// timestamp in the persisted backup document (spec.md §6).
const TimeLayout = "2006-01-02 15:04:05 -0700"

// Time wraps time.Time so the backup document round-trips the exact layout
// spec.md §6 names, independent of whatever layout encoding/json would
// otherwise pick.
type Time struct {
	time.Time
}

// NewTime wraps t.
func NewTime(t time.Time) Time {
	return Time{Time: t}
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.Time.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + t.Time.Format(TimeLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(TimeLayout, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}
