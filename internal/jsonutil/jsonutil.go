// Package jsonutil provides shared JSON helpers: contextual error wrapping,
// line-oriented parsing, and string-enum marshaling.
package jsonutil

import (
	"encoding/json"
	"fmt"
)

// UnmarshalWithContext unmarshals JSON data into v and wraps any error with
// the provided context message.
func UnmarshalWithContext(data []byte, v interface{}, context string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	return nil
}

// UnmarshalLine unmarshals a single JSON line into v. An empty line is an
// error.
func UnmarshalLine(line string, v interface{}) error {
	if line == "" {
		return fmt.Errorf("empty JSON line")
	}
	return json.Unmarshal([]byte(line), v)
}

// UnmarshalLineSafe unmarshals a single JSON line into v, reporting success
// instead of returning an error. Useful when scanning files where some lines
// may be invalid.
func UnmarshalLineSafe(line string, v interface{}) bool {
	return UnmarshalLine(line, v) == nil
}

// StringEnum is a constraint for enum types with a String form.
type StringEnum interface {
	String() string
}

// MarshalEnum marshals an enum value as its JSON string representation.
func MarshalEnum[T StringEnum](v T) ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalEnum unmarshals an enum value from its JSON string
// representation. parse converts the string to the enum value or reports an
// invalid name.
func UnmarshalEnum[T StringEnum](data []byte, parse func(string) (T, error)) (T, error) {
	var zero T
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return zero, err
	}
	return parse(s)
}

// ParseEnumError builds the standard error for an invalid enum name.
func ParseEnumError(enumName, value string) error {
	return fmt.Errorf("unknown %s: %s", enumName, value)
}
