package jsonutil

import (
	"strings"
	"testing"
)

func TestUnmarshalWithContext(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	var v payload
	if err := UnmarshalWithContext([]byte(`{"name":"test"}`), &v, "payload"); err != nil {
		t.Fatalf("UnmarshalWithContext: %v", err)
	}
	if v.Name != "test" {
		t.Errorf("Name = %q, want %q", v.Name, "test")
	}

	err := UnmarshalWithContext([]byte(`not json`), &v, "payload file")
	if err == nil {
		t.Fatal("UnmarshalWithContext: expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "payload file") {
		t.Errorf("error %q missing context", err)
	}
}

func TestUnmarshalLine(t *testing.T) {
	type payload struct {
		Value string `json:"value"`
	}

	tests := []struct {
		name    string
		line    string
		wantErr bool
		want    string
	}{
		{"valid JSON line", `{"value":"test"}`, false, "test"},
		{"empty line", "", true, ""},
		{"invalid JSON", `not json`, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v payload
			err := UnmarshalLine(tt.line, &v)
			if (err != nil) != tt.wantErr {
				t.Errorf("UnmarshalLine() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && v.Value != tt.want {
				t.Errorf("Value = %q, want %q", v.Value, tt.want)
			}
		})
	}
}

func TestUnmarshalLineSafe(t *testing.T) {
	var v struct {
		Value string `json:"value"`
	}

	if !UnmarshalLineSafe(`{"value":"test"}`, &v) {
		t.Error("UnmarshalLineSafe: expected true for valid line")
	}
	if UnmarshalLineSafe("", &v) {
		t.Error("UnmarshalLineSafe: expected false for empty line")
	}
	if UnmarshalLineSafe("not json", &v) {
		t.Error("UnmarshalLineSafe: expected false for invalid line")
	}
}

type color int

func (c color) String() string {
	if c == 1 {
		return "red"
	}
	return "blue"
}

func parseColor(s string) (color, error) {
	switch s {
	case "red":
		return 1, nil
	case "blue":
		return 0, nil
	}
	return 0, ParseEnumError("color", s)
}

func TestEnumRoundTrip(t *testing.T) {
	data, err := MarshalEnum(color(1))
	if err != nil {
		t.Fatalf("MarshalEnum: %v", err)
	}
	if string(data) != `"red"` {
		t.Errorf("MarshalEnum = %s, want %q", data, `"red"`)
	}

	got, err := UnmarshalEnum(data, parseColor)
	if err != nil {
		t.Fatalf("UnmarshalEnum: %v", err)
	}
	if got != color(1) {
		t.Errorf("UnmarshalEnum = %v, want %v", got, color(1))
	}
}

func TestUnmarshalEnumInvalid(t *testing.T) {
	if _, err := UnmarshalEnum([]byte(`"green"`), parseColor); err == nil {
		t.Error("UnmarshalEnum: expected error for unknown name")
	}
	if _, err := UnmarshalEnum([]byte(`42`), parseColor); err == nil {
		t.Error("UnmarshalEnum: expected error for non-string JSON")
	}
}
