package util

import "testing"

func TestValidateParameters(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city":   map[string]any{"type": "string"},
			"guests": map[string]any{"type": "integer"},
			"size":   map[string]any{"type": "string", "enum": []any{"small", "large"}},
		},
		"required": []any{"city"},
	}

	if err := ValidateParameters(map[string]any{"city": "Berlin", "guests": float64(2)}, schema); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	if err := ValidateParameters(map[string]any{"guests": 2}, schema); err == nil {
		t.Error("missing required field accepted")
	}
	if err := ValidateParameters(map[string]any{"city": "Berlin", "guests": 2.5}, schema); err == nil {
		t.Error("fractional value accepted as integer")
	}
	if err := ValidateParameters(map[string]any{"city": "Berlin", "size": "huge"}, schema); err == nil {
		t.Error("out-of-enum value accepted")
	}
}

func TestApplyDefaults(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city":   map[string]any{"type": "string"},
			"guests": map[string]any{"type": "integer", "default": 2},
		},
	}

	got := ApplyDefaults(map[string]any{"city": "Berlin"}, schema)
	if got["guests"] != 2 {
		t.Errorf("default not applied: %v", got["guests"])
	}

	got = ApplyDefaults(map[string]any{"city": "Berlin", "guests": 4}, schema)
	if got["guests"] != 4 {
		t.Errorf("explicit value overridden: %v", got["guests"])
	}
}

func TestCreateSchema(t *testing.T) {
	type params struct {
		City   string `json:"city" description:"destination city"`
		Guests int    `json:"guests,omitempty"`
		hidden string
	}
	_ = params{hidden: ""}

	schema := CreateSchema(params{})
	props := schema["properties"].(map[string]any)
	if props["city"].(map[string]any)["type"] != "string" {
		t.Error("city type wrong")
	}
	if props["guests"].(map[string]any)["type"] != "integer" {
		t.Error("guests type wrong")
	}
	if _, ok := props["hidden"]; ok {
		t.Error("unexported field leaked")
	}
	required := schema["required"].([]string)
	if len(required) != 1 || required[0] != "city" {
		t.Errorf("required wrong: %v", required)
	}
}

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("Book a table in {{.city}}", map[string]any{"city": "Berlin"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Book a table in Berlin" {
		t.Errorf("got %q", out)
	}

	plain, err := RenderTemplate("no markers here", nil)
	if err != nil || plain != "no markers here" {
		t.Errorf("fast path broken: %q %v", plain, err)
	}
}
