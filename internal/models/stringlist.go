package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// StringList is an argument vector stored as a JSON array in a text column. When decoding JSON it
// also accepts a plain whitespace separated string.
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
	return s.UnmarshalJSON(raw)
}

func (s *StringList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*s = nil
		return nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
			return err
		}
		*s = list
		return nil
	}

	var str string
	if strings.HasPrefix(trimmed, `"`) {
		if err := json.Unmarshal([]byte(trimmed), &str); err != nil {
			return err
		}
	} else {
		str = trimmed
	}

	// the string itself may hold a JSON array, which is how older coordinators send it
	if strings.HasPrefix(strings.TrimSpace(str), "[") {
		return s.UnmarshalJSON([]byte(str))
	}
	*s = strings.Fields(str)
	return nil
}

// Replace returns a copy where every element equal to token is substituted with value
func (s StringList) Replace(token, value string) StringList {
	out := make(StringList, len(s))
	for i, a := range s {
		if a == token {
			out[i] = value
		} else {
			out[i] = a
		}
	}
	return out
}
