package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
)

// normalizeArgs checks args against a JSON schema object with
// "properties" and "required", and returns a copy with loosely typed
// values coerced: integral floats for integers, and a JSON-encoded or
// bare string where an array is declared. Undeclared properties are
// dropped.
func normalizeArgs(schema map[string]any, args map[string]any) (map[string]any, error) {
	props, _ := schema["properties"].(map[string]any)
	out := make(map[string]any, len(args))

	for _, name := range requiredFields(schema) {
		if v, ok := args[name]; !ok || v == nil {
			return nil, fmt.Errorf("missing required field %q", name)
		}
	}

	for name, v := range args {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		if v == nil {
			continue
		}
		coerced, err := checkType(name, prop, v)
		if err != nil {
			return nil, err
		}
		out[name] = coerced
	}
	return out, nil
}

func requiredFields(schema map[string]any) []string {
	switch r := schema["required"].(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, v := range r {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func checkType(name string, prop map[string]any, v any) (any, error) {
	typ, _ := prop["type"].(string)
	switch typ {
	case "", "any":
		return v, nil

	case "string":
		s, ok := v.(string)
		if !ok {
			return nil, typeError(name, typ, v)
		}
		if enum, ok := prop["enum"].([]string); ok && !slices.Contains(enum, s) {
			return nil, fmt.Errorf("field %q must be one of %s", name, strings.Join(enum, ", "))
		}
		return s, nil

	case "integer":
		switch n := v.(type) {
		case float64:
			if n != math.Trunc(n) {
				return nil, typeError(name, typ, v)
			}
			return int(n), nil
		case int:
			return n, nil
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return nil, typeError(name, typ, v)
			}
			return int(i), nil
		}
		return nil, typeError(name, typ, v)

	case "number":
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, typeError(name, typ, v)
			}
			return f, nil
		}
		return nil, typeError(name, typ, v)

	case "boolean":
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, typeError(name, typ, v)

	case "object":
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
		return nil, typeError(name, typ, v)

	case "array":
		items, err := asArray(v)
		if err != nil {
			return nil, typeError(name, typ, v)
		}
		itemProp, _ := prop["items"].(map[string]any)
		if itemProp == nil {
			return items, nil
		}
		out := make([]any, len(items))
		for i, item := range items {
			c, err := checkType(fmt.Sprintf("%s[%d]", name, i), itemProp, item)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	}
	return nil, fmt.Errorf("field %q has unsupported schema type %q", name, typ)
}

// asArray accepts a real array, a JSON-encoded array, or a single
// string standing in for a one-element array.
func asArray(v any) ([]any, error) {
	switch a := v.(type) {
	case []any:
		return a, nil
	case []string:
		out := make([]any, len(a))
		for i, s := range a {
			out[i] = s
		}
		return out, nil
	case string:
		s := strings.TrimSpace(a)
		if strings.HasPrefix(s, "[") {
			var out []any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, err
			}
			return out, nil
		}
		if s == "" {
			return []any{}, nil
		}
		return []any{s}, nil
	}
	return nil, fmt.Errorf("not an array")
}

func typeError(name, want string, got any) error {
	return fmt.Errorf("field %q must be %s, got %T", name, want, got)
}
