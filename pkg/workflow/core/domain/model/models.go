// Package model defines the domain objects of the workflow engine: workflows and their
// runs, staged raw items, run logs, and the dynamic entities produced by consumer workflows.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a new random UUID string.
func NewID() string {
	return uuid.New().String()
}

// JSONMap is a JSON object stored in a text column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	b, err := scanBytes(value)
	if err != nil {
		return fmt.Errorf("JSONMap: %w", err)
	}
	out := map[string]interface{}{}
	if len(b) > 0 && string(b) != "null" {
		if err := json.Unmarshal(b, &out); err != nil {
			return fmt.Errorf("JSONMap: %w", err)
		}
	}
	*m = out
	return nil
}

// Clone returns a shallow copy.
func (m JSONMap) Clone() JSONMap {
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RawJSON is an opaque JSON document stored in a text column.
type RawJSON json.RawMessage

// Value implements driver.Valuer.
func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return "{}", nil
	}
	return string(r), nil
}

// Scan implements sql.Scanner.
func (r *RawJSON) Scan(value interface{}) error {
	b, err := scanBytes(value)
	if err != nil {
		return fmt.Errorf("RawJSON: %w", err)
	}
	*r = append((*r)[:0], b...)
	return nil
}

// MarshalJSON keeps the document verbatim.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON keeps the document verbatim.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported scan type %T", value)
	}
}
