package gateway

import (
	"math"
	"reflect"
	"strconv"
)

// validateArgs checks call arguments against a cached input schema:
// required fields, declared JSON types, and enum membership. Unknown extra
// fields pass through untouched. The only coercion performed is parsing
// numeric strings against numeric types; the coerced values are written
// back so the downstream sees proper numbers.
func validateArgs(schema map[string]interface{}, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	required, _ := schema["required"].([]interface{})
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := args[name]; !present {
			return Errorf(CodeInvalidArgument, "missing required field %q", name)
		}
	}

	properties, _ := schema["properties"].(map[string]interface{})
	for name, rawProp := range properties {
		prop, ok := rawProp.(map[string]interface{})
		if !ok {
			continue
		}
		value, present := args[name]
		if !present {
			continue
		}

		declared, _ := prop["type"].(string)
		if declared != "" {
			coerced, err := checkType(name, declared, value)
			if err != nil {
				return err
			}
			args[name] = coerced
			value = coerced
		}

		if enum, ok := prop["enum"].([]interface{}); ok && len(enum) > 0 {
			if !enumContains(enum, value) {
				return Errorf(CodeInvalidArgument, "field %q: value %v not in enum", name, value)
			}
		}
	}
	return nil
}

// checkType verifies one value against a declared JSON type, returning the
// (possibly coerced) value.
func checkType(name, declared string, value interface{}) (interface{}, error) {
	switch declared {
	case "string":
		if _, ok := value.(string); !ok {
			return nil, typeError(name, declared, value)
		}
	case "number":
		switch v := value.(type) {
		case float64:
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, typeError(name, declared, value)
			}
			return parsed, nil
		default:
			return nil, typeError(name, declared, value)
		}
	case "integer":
		switch v := value.(type) {
		case float64:
			if v != math.Trunc(v) {
				return nil, typeError(name, declared, value)
			}
		case string:
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, typeError(name, declared, value)
			}
			return float64(parsed), nil
		default:
			return nil, typeError(name, declared, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return nil, typeError(name, declared, value)
		}
	case "array":
		if _, ok := value.([]interface{}); !ok {
			return nil, typeError(name, declared, value)
		}
	case "object":
		if _, ok := value.(map[string]interface{}); !ok {
			return nil, typeError(name, declared, value)
		}
	case "null":
		if value != nil {
			return nil, typeError(name, declared, value)
		}
	}
	return value, nil
}

func typeError(name, declared string, value interface{}) error {
	return Errorf(CodeInvalidArgument, "field %q: expected %s, got %T", name, declared, value)
}

func enumContains(enum []interface{}, value interface{}) bool {
	for _, candidate := range enum {
		if reflect.DeepEqual(candidate, value) {
			return true
		}
	}
	return false
}
