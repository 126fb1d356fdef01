package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// storageLayout is fixed-width so that lexical order of stored values equals
// chronological order.
const storageLayout = "2006-01-02T15:04:05.000000000Z"

// Timestamp is the last-write-wins clock of a record. It is stored as
// fixed-width UTC text and exchanged as an ISO-8601 string.
type Timestamp struct {
	time.Time
}

// NewTimestamp normalizes t to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return NewTimestamp(time.Now())
}

// ParseTimestamp parses an ISO-8601 / RFC 3339 string.
func ParseTimestamp(s string) (Timestamp, error) {
	if s == "" {
		return Timestamp{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return NewTimestamp(t), nil
}

// MustParseTimestamp is ParseTimestamp for literals in tests and fixtures.
func MustParseTimestamp(s string) Timestamp {
	ts, err := ParseTimestamp(s)
	if err != nil {
		panic(err)
	}
	return ts
}

// Compare returns -1, 0 or +1 as ts is before, equal to or after o.
func (ts Timestamp) Compare(o Timestamp) int {
	return ts.Time.Compare(o.Time)
}

// Newer reports whether ts is strictly after o.
func (ts Timestamp) Newer(o Timestamp) bool {
	return ts.Compare(o) > 0
}

// Storage returns the fixed-width stored form.
func (ts Timestamp) Storage() string {
	return ts.Time.UTC().Format(storageLayout)
}

// String returns the ISO-8601 form.
func (ts Timestamp) String() string {
	return ts.Time.UTC().Format(time.RFC3339Nano)
}

// Value implements driver.Valuer.
func (ts Timestamp) Value() (driver.Value, error) {
	return ts.Storage(), nil
}

// Scan implements sql.Scanner.
func (ts *Timestamp) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*ts = Timestamp{}
		return nil
	case time.Time:
		*ts = NewTimestamp(v)
		return nil
	case string:
		parsed, err := ParseTimestamp(v)
		if err != nil {
			return err
		}
		*ts = parsed
		return nil
	case []byte:
		parsed, err := ParseTimestamp(string(v))
		if err != nil {
			return err
		}
		*ts = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Timestamp", value)
	}
}

// MarshalJSON encodes the timestamp as an ISO-8601 string, null when zero.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.String())
}

// UnmarshalJSON accepts an ISO-8601 string or null.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*ts = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}
