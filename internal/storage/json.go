package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap stores a JSON object column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	data, err := sourceBytes(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, m)
}

// JSONValue stores an arbitrary JSON column: message content is sometimes a
// string and sometimes an object, depending on the frame's value type.
type JSONValue struct {
	V interface{}
}

// Value implements driver.Valuer.
func (j JSONValue) Value() (driver.Value, error) {
	if j.V == nil {
		return nil, nil
	}
	data, err := json.Marshal(j.V)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (j *JSONValue) Scan(src interface{}) error {
	if src == nil {
		j.V = nil
		return nil
	}
	data, err := sourceBytes(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &j.V)
}

func sourceBytes(src interface{}) ([]byte, error) {
	switch s := src.(type) {
	case []byte:
		return s, nil
	case string:
		return []byte(s), nil
	default:
		return nil, fmt.Errorf("cannot scan %T as JSON", src)
	}
}
