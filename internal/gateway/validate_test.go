package gateway

import (
	"errors"
	"testing"
)

func schemaFixture() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":  map[string]interface{}{"type": "string"},
			"count": map[string]interface{}{"type": "integer"},
			"ratio": map[string]interface{}{"type": "number"},
			"dry":   map[string]interface{}{"type": "boolean"},
			"items": map[string]interface{}{"type": "array"},
			"opts":  map[string]interface{}{"type": "object"},
			"mode":  map[string]interface{}{"type": "string", "enum": []interface{}{"fast", "safe"}},
		},
		"required": []interface{}{"name"},
	}
}

func assertInvalidArgument(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation error")
	}
	var coded *Error
	if !errors.As(err, &coded) || coded.Code != CodeInvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	err := validateArgs(schemaFixture(), map[string]interface{}{"count": float64(1)})
	assertInvalidArgument(t, err)
}

func TestValidateHappyPath(t *testing.T) {
	args := map[string]interface{}{
		"name":  "x",
		"count": float64(3),
		"ratio": 0.5,
		"dry":   true,
		"items": []interface{}{"a"},
		"opts":  map[string]interface{}{"k": "v"},
		"mode":  "fast",
	}
	if err := validateArgs(schemaFixture(), args); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateTypeMismatches(t *testing.T) {
	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"string gets number", map[string]interface{}{"name": float64(5)}},
		{"integer gets fraction", map[string]interface{}{"name": "x", "count": 1.5}},
		{"integer gets bool", map[string]interface{}{"name": "x", "count": true}},
		{"boolean gets string", map[string]interface{}{"name": "x", "dry": "yes"}},
		{"array gets object", map[string]interface{}{"name": "x", "items": map[string]interface{}{}}},
		{"object gets array", map[string]interface{}{"name": "x", "opts": []interface{}{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertInvalidArgument(t, validateArgs(schemaFixture(), tt.args))
		})
	}
}

func TestValidateNumericStringCoercion(t *testing.T) {
	args := map[string]interface{}{"name": "x", "count": "42", "ratio": "0.25"}
	if err := validateArgs(schemaFixture(), args); err != nil {
		t.Fatalf("numeric strings must parse: %v", err)
	}
	if got, ok := args["count"].(float64); !ok || got != 42 {
		t.Errorf("count must be coerced to a number, got %#v", args["count"])
	}
	if got, ok := args["ratio"].(float64); !ok || got != 0.25 {
		t.Errorf("ratio must be coerced to a number, got %#v", args["ratio"])
	}
}

func TestValidateNonNumericStringRejected(t *testing.T) {
	assertInvalidArgument(t, validateArgs(schemaFixture(), map[string]interface{}{"name": "x", "count": "many"}))
}

func TestValidateEnum(t *testing.T) {
	if err := validateArgs(schemaFixture(), map[string]interface{}{"name": "x", "mode": "fast"}); err != nil {
		t.Fatalf("enum member must pass: %v", err)
	}
	assertInvalidArgument(t, validateArgs(schemaFixture(), map[string]interface{}{"name": "x", "mode": "reckless"}))
}

func TestValidateUnknownFieldsPassThrough(t *testing.T) {
	args := map[string]interface{}{"name": "x", "extra_field": "anything at all"}
	if err := validateArgs(schemaFixture(), args); err != nil {
		t.Fatalf("unknown fields must pass through: %v", err)
	}
	if args["extra_field"] != "anything at all" {
		t.Error("unknown fields must not be touched")
	}
}

func TestValidateNilSchema(t *testing.T) {
	if err := validateArgs(nil, map[string]interface{}{"whatever": 1}); err != nil {
		t.Errorf("nil schema must accept anything: %v", err)
	}
}
