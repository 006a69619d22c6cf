package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

//
// JSONB helper
//

// JSONB holds an opaque JSON document. Job documents live in Postgres json
// columns, which keep the text as written, so a stored result replays
// byte for byte.
type JSONB []byte

// Value encodes the document as text; lib/pq would send []byte as bytea.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSONB) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONB(nil), v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("JSONB: expected []byte, got %T", value)
	}
	return nil
}

// MarshalJSON emits the stored document, or null when empty.
func (j JSONB) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSONB) UnmarshalJSON(data []byte) error {
	if j == nil {
		return fmt.Errorf("JSONB: UnmarshalJSON on nil pointer")
	}
	*j = append((*j)[:0], data...)
	return nil
}

// Valid reports whether the document is well-formed JSON.
func (j JSONB) Valid() bool {
	return len(j) > 0 && json.Valid(j)
}
