package schema

// Normalize returns a deep copy of an OpenAPI 3.0 schema rewritten into a
// JSON Schema 2020-12 equivalent:
//   - nullable: true widens type (and enum) to admit null
//   - boolean exclusiveMinimum/exclusiveMaximum become numeric bounds
//
// The input is never modified.
func Normalize(schema map[string]any) map[string]any {
	return normalizeNode(schema).(map[string]any)
}

// schemaMaps are keywords whose value maps names to subschemas. The map
// itself is not a schema, so its keys are never read as keywords.
var schemaMaps = map[string]bool{
	"properties":        true,
	"patternProperties": true,
	"dependentSchemas":  true,
	"definitions":       true,
	"$defs":             true,
}

// literals are keywords whose values are instance data, copied untouched.
var literals = map[string]bool{
	"enum":     true,
	"const":    true,
	"default":  true,
	"example":  true,
	"examples": true,
}

func normalizeNode(node any) any {
	switch n := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			switch {
			case literals[k]:
				out[k] = v
			case schemaMaps[k]:
				out[k] = normalizeSchemaMap(v)
			default:
				out[k] = normalizeNode(v)
			}
		}
		normalizeNullable(out)
		normalizeExclusive(out, "exclusiveMinimum", "minimum")
		normalizeExclusive(out, "exclusiveMaximum", "maximum")
		return out
	case map[any]any:
		return normalizeNode(stringKeyed(n))
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			out[i] = normalizeNode(v)
		}
		return out
	default:
		return node
	}
}

func normalizeSchemaMap(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		mm, ok := v.(map[any]any)
		if !ok {
			return normalizeNode(v)
		}
		m = stringKeyed(mm)
	}
	out := make(map[string]any, len(m))
	for name, sub := range m {
		out[name] = normalizeNode(sub)
	}
	return out
}

func stringKeyed(m map[any]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if ks, ok := k.(string); ok {
			out[ks] = v
		}
	}
	return out
}

func normalizeNullable(s map[string]any) {
	nullable, ok := s["nullable"].(bool)
	if !ok {
		return
	}
	delete(s, "nullable")
	if !nullable {
		return
	}
	switch t := s["type"].(type) {
	case string:
		if t != "null" {
			s["type"] = []any{t, "null"}
		}
	case []any:
		if !containsValue(t, "null") {
			s["type"] = append(t, "null")
		}
	}
	if enum, ok := s["enum"].([]any); ok && !containsValue(enum, nil) {
		s["enum"] = append(append(make([]any, 0, len(enum)+1), enum...), nil)
	}
}

func normalizeExclusive(s map[string]any, exclusiveKey, boundKey string) {
	flag, ok := s[exclusiveKey].(bool)
	if !ok {
		return
	}
	delete(s, exclusiveKey)
	if !flag {
		return
	}
	if bound, ok := s[boundKey]; ok {
		s[exclusiveKey] = bound
		delete(s, boundKey)
	}
}

func containsValue(values []any, want any) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
