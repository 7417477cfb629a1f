package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringSlice is a JSON-serialized []string for use as a GORM column type.
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal StringSlice: %w", err)
	}
	return string(b), nil
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = StringSlice{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for StringSlice: %T", value)
	}
	return json.Unmarshal(bytes, s)
}

// EnvMap is a JSON-serialized map[string]string for use as a GORM column
// type. Keys with empty values are kept; a nil map stores as {}.
type EnvMap map[string]string

func (m EnvMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal EnvMap: %w", err)
	}
	return string(b), nil
}

func (m *EnvMap) Scan(value interface{}) error {
	if value == nil {
		*m = EnvMap{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for EnvMap: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Merge returns a copy of m overlaid with overrides. Neither input is
// modified.
func (m EnvMap) Merge(overrides EnvMap) EnvMap {
	out := make(EnvMap, len(m)+len(overrides))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
