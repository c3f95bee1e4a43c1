package schema

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
)

// MaxSampleDepth bounds recursion for self-referential schemas. Values
// below it are generated as nil.
const MaxSampleDepth = 8

var formatSamples = map[string]string{
	"date-time": "1970-01-01T00:00:00Z",
	"date":      "1970-01-01",
	"time":      "00:00:00Z",
	"duration":  "P1D",
	"email":     "user@example.com",
	"hostname":  "example.com",
	"ipv4":      "127.0.0.1",
	"ipv6":      "::1",
	"uri":       "https://example.com",
	"url":       "https://example.com",
	"uuid":      "00000000-0000-4000-8000-000000000000",
	"byte":      "c2FtcGxl",
	"password":  "password",
	"binary":    "",
}

// GenerateSample returns a deterministic minimal value that satisfies the
// schema's type, format, enum and structure. Hints (example, default,
// const) win over synthesis.
func GenerateSample(schema map[string]any) any {
	return sample(schema, 0)
}

func sample(s map[string]any, depth int) any {
	if s == nil || depth > MaxSampleDepth {
		return nil
	}
	for _, hint := range []string{"example", "default", "const"} {
		if v, ok := s[hint]; ok {
			return v
		}
	}
	if enum, ok := s["enum"].([]any); ok && len(enum) > 0 {
		return enum[0]
	}
	if all, ok := s["allOf"].([]any); ok && len(all) > 0 {
		return sample(mergeAllOf(s, all), depth)
	}
	for _, key := range []string{"oneOf", "anyOf"} {
		if branches, ok := s[key].([]any); ok && len(branches) > 0 {
			if first, ok := asMap(branches[0]); ok {
				return sample(first, depth)
			}
		}
	}

	switch schemaType(s) {
	case "object":
		return sampleObject(s, depth)
	case "array":
		return sampleArray(s, depth)
	case "string":
		return sampleString(s)
	case "integer":
		return int64(sampleNumber(s, true))
	case "number":
		return sampleNumber(s, false)
	case "boolean":
		return false
	default:
		return nil
	}
}

func schemaType(s map[string]any) string {
	switch t := s["type"].(type) {
	case string:
		return t
	case []any:
		for _, v := range t {
			if name, ok := v.(string); ok && name != "null" {
				return name
			}
		}
		return "null"
	}
	if _, ok := s["properties"]; ok {
		return "object"
	}
	if _, ok := s["items"]; ok {
		return "array"
	}
	return ""
}

func sampleObject(s map[string]any, depth int) any {
	out := map[string]any{}
	props, _ := asMap(s["properties"])
	if len(props) == 0 {
		return out
	}
	names := requiredNames(s)
	if len(names) == 0 {
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	for _, name := range names {
		prop, ok := asMap(props[name])
		if !ok {
			out[name] = nil
			continue
		}
		out[name] = sample(prop, depth+1)
	}
	return out
}

func sampleArray(s map[string]any, depth int) any {
	count := 1
	if v, ok := toFloat(s["minItems"]); ok && int(v) > count {
		count = int(v)
	}
	if v, ok := toFloat(s["maxItems"]); ok && int(v) < count {
		count = int(v)
	}
	items, ok := asMap(s["items"])
	if !ok || depth+1 > MaxSampleDepth {
		return []any{}
	}
	out := make([]any, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, sample(items, depth+1))
	}
	return out
}

func sampleString(s map[string]any) string {
	value := "string"
	if format, ok := s["format"].(string); ok {
		if v, known := formatSamples[format]; known {
			return v
		}
	}
	if v, ok := toFloat(s["minLength"]); ok && len(value) < int(v) {
		value += strings.Repeat("x", int(v)-len(value))
	}
	if v, ok := toFloat(s["maxLength"]); ok && len(value) > int(v) {
		value = value[:max(0, int(v))]
	}
	return value
}

func sampleNumber(s map[string]any, integer bool) float64 {
	step := 0.0
	if integer {
		step = 1
	}
	value := 0.0
	if v, ok := toFloat(s["minimum"]); ok {
		value = v
	}
	if v, ok := toFloat(s["exclusiveMinimum"]); ok {
		value = v + math.Max(step, 0.5)
	}
	if v, ok := toFloat(s["maximum"]); ok && value > v {
		value = v
	}
	if v, ok := toFloat(s["exclusiveMaximum"]); ok && value >= v {
		value = v - math.Max(step, 0.5)
	}
	if integer {
		value = math.Ceil(value)
	}
	return value
}

// mergeAllOf folds allOf branches into one object schema. Later branches
// override earlier property definitions; required lists are unioned.
func mergeAllOf(base map[string]any, branches []any) map[string]any {
	merged := map[string]any{}
	props := map[string]any{}
	var required []any
	apply := func(s map[string]any) {
		for k, v := range s {
			switch k {
			case "allOf":
			case "properties":
				if p, ok := asMap(v); ok {
					for name, def := range p {
						props[name] = def
					}
				}
			case "required":
				if r, ok := v.([]any); ok {
					required = append(required, r...)
				}
			default:
				merged[k] = v
			}
		}
	}
	for _, b := range branches {
		if s, ok := asMap(b); ok {
			if nested, ok := s["allOf"].([]any); ok {
				s = mergeAllOf(s, nested)
			}
			apply(s)
		}
	}
	apply(base)
	if len(props) > 0 {
		merged["properties"] = props
		if _, ok := merged["type"]; !ok {
			merged["type"] = "object"
		}
	}
	if len(required) > 0 {
		merged["required"] = required
	}
	return merged
}

func requiredNames(s map[string]any) []string {
	raw, _ := s["required"].([]any)
	seen := make(map[string]bool, len(raw))
	names := make([]string, 0, len(raw))
	for _, r := range raw {
		if name, ok := r.(string); ok && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
