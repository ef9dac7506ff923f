package db

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JSONB represents a JSON object stored in a TEXT column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			*j = nil
			return nil
		}
		return json.Unmarshal(v, j)
	case string:
		if v == "" {
			*j = nil
			return nil
		}
		return json.Unmarshal([]byte(v), j)
	default:
		return errors.New("type assertion to []byte or string failed")
	}
}

// ToJSONB converts any JSON-encodable value to a JSONB object
func ToJSONB(v interface{}) (JSONB, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out JSONB
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Run is one recorded provisioning run
type Run struct {
	ID         string          `json:"id" db:"id"`
	SetName    string          `json:"set_name" db:"set_name"`
	Backend    string          `json:"backend" db:"backend"`
	Outcome    string          `json:"outcome" db:"outcome"`
	ExitCode   int             `json:"exit_code" db:"exit_code"`
	Target     JSONB           `json:"target,omitempty" db:"target"`
	Report     string          `json:"-" db:"report"`
	StartedAt  time.Time       `json:"started_at" db:"started_at"`
	FinishedAt time.Time       `json:"finished_at" db:"finished_at"`
	Results    []ServiceResult `json:"results,omitempty" db:"-"`
}

// TableName returns the table name for Run
func (Run) TableName() string {
	return "runs"
}

// ServiceResult is the terminal state of one service in a recorded run
type ServiceResult struct {
	RunID      string     `json:"-" db:"run_id"`
	Position   int        `json:"position" db:"position"`
	ServiceID  string     `json:"service_id" db:"service_id"`
	State      string     `json:"state" db:"state"`
	Reason     string     `json:"reason,omitempty" db:"reason"`
	Code       string     `json:"code,omitempty" db:"code"`
	Installed  bool       `json:"installed" db:"installed"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// TableName returns the table name for ServiceResult
func (ServiceResult) TableName() string {
	return "service_results"
}
