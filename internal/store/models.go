package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Session statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// JSONDoc is a JSON document stored in a text column.
type JSONDoc []byte

// Value implements the driver.Valuer interface
func (j JSONDoc) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONDoc) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONDoc(nil), v...)
	case string:
		*j = JSONDoc(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONDoc", value)
	}
	return nil
}

// MarshalDoc encodes v as a JSONDoc.
func MarshalDoc(v any) (JSONDoc, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSONDoc(b), nil
}

// Decode unmarshals the document into v.
func (j JSONDoc) Decode(v any) error {
	if len(j) == 0 {
		return fmt.Errorf("empty document")
	}
	return json.Unmarshal(j, v)
}

// Session is one persisted research session: its plan, the latest tree
// snapshot and, once written, the report.
type Session struct {
	ID        string    `db:"id"`
	Topic     string    `db:"topic"`
	Mode      string    `db:"mode"`
	Status    string    `db:"status"`
	Plan      JSONDoc   `db:"plan"`
	Tree      JSONDoc   `db:"tree"`
	Report    string    `db:"report"`
	Error     string    `db:"error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
