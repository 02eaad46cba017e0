package models

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/pkg/errors"
)

// JSONMap is a map[string]interface{} that implements sql.Scanner and driver.Valuer
// for JSONB columns
type JSONMap map[string]interface{}

// Value implements driver.Valuer for JSONMap
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONMap
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*map[string]interface{})(m))
	case string:
		return json.Unmarshal([]byte(v), (*map[string]interface{})(m))
	default:
		return errors.Errorf("unsupported type for JSONMap: %T", value)
	}
}

// Clone returns a deep copy of the map. Nested maps and slices are copied;
// scalar values are shared.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case JSONMap:
		return map[string]interface{}(t.Clone())
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// StringArray is a []string stored as a JSON array. Used for assignees,
// labels, scopes, capabilities and similar list columns.
type StringArray []string

// Value implements driver.Valuer for StringArray
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal([]string(a))
}

// Scan implements sql.Scanner for StringArray
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*[]string)(a))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(a))
	default:
		return errors.Errorf("unsupported type for StringArray: %T", value)
	}
}

// Contains reports whether s is present in the array.
func (a StringArray) Contains(s string) bool {
	for _, v := range a {
		if v == s {
			return true
		}
	}
	return false
}

// Append adds s if absent and returns the (possibly new) array.
func (a StringArray) Append(s string) StringArray {
	if a.Contains(s) {
		return a
	}
	return append(a, s)
}
