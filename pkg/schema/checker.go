// Package schema checks response bodies against OpenAPI schemas and maps
// every violation to exactly one issue.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/specjet-api/specjet-sub000/pkg/issue"
)

// Checker validates data against schemas. Compiled schemas are cached by
// the digest of their canonical JSON form. Safe for concurrent use.
type Checker struct {
	mu     sync.RWMutex
	cache  map[string]compiled
	logger *slog.Logger
}

type compiled struct {
	schema *jsonschema.Schema
	err    error
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger.With("component", "schema")
		}
	}
}

// NewChecker creates a Checker with an empty cache.
func NewChecker(opts ...Option) *Checker {
	registerFormats()
	c := &Checker{
		cache:  make(map[string]compiled),
		logger: slog.Default().With("component", "schema"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheSize returns the number of cached compilations.
func (c *Checker) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// ValidateResponse validates data against schema. A nil or empty schema
// accepts anything. Compilation failures are reported as a single
// schema_compilation_error issue.
func (c *Checker) ValidateResponse(data any, schema map[string]any) []issue.Issue {
	if len(schema) == 0 {
		return nil
	}

	sch, err := c.compile(schema)
	if err != nil {
		return []issue.Issue{issue.New(issue.TypeSchemaCompilationError, "",
			fmt.Sprintf("schema compilation failed: %v", err), nil)}
	}

	instance, err := toJSONValue(data)
	if err != nil {
		return []issue.Issue{issue.New(issue.TypeSchemaViolation, "",
			fmt.Sprintf("response body is not representable as JSON: %v", err), nil)}
	}

	err = sch.Validate(instance)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []issue.Issue{issue.New(issue.TypeSchemaViolation, "", err.Error(), nil)}
	}

	var leaves []*jsonschema.ValidationError
	collectLeaves(ve, &leaves)

	var issues []issue.Issue
	for _, leaf := range leaves {
		issues = append(issues, mapViolation(leaf, instance)...)
	}
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Field != issues[j].Field {
			return issues[i].Field < issues[j].Field
		}
		if issues[i].Type != issues[j].Type {
			return issues[i].Type < issues[j].Type
		}
		return issues[i].Message < issues[j].Message
	})
	return issues
}

func (c *Checker) compile(schema map[string]any) (*jsonschema.Schema, error) {
	normalized := Normalize(schema)
	raw, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize schema: %w", err)
	}
	sum := sha256.Sum256(canonical)
	key := hex.EncodeToString(sum[:])

	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return entry.schema, entry.err
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	url := fmt.Sprintf("https://specjet.schemas.local/%s.schema.json", key)
	if err := compiler.AddResource(url, bytes.NewReader(canonical)); err != nil {
		entry = compiled{err: fmt.Errorf("load schema: %w", err)}
	} else if sch, err := compiler.Compile(url); err != nil {
		entry = compiled{err: fmt.Errorf("compile schema: %w", err)}
	} else {
		entry = compiled{schema: sch}
	}
	if entry.err != nil {
		c.logger.Warn("schema compilation failed", "digest", key[:12], "error", entry.err)
	}

	c.mu.Lock()
	c.cache[key] = entry
	c.mu.Unlock()
	return entry.schema, entry.err
}

// toJSONValue round-trips data through encoding/json so the validator only
// sees the value types it understands. Numbers stay json.Number.
func toJSONValue(data any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]*jsonschema.ValidationError) {
	if len(ve.Causes) == 0 {
		*out = append(*out, ve)
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, out)
	}
}

var quotedName = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'`)

func mapViolation(ve *jsonschema.ValidationError, instance any) []issue.Issue {
	keyword := lastSegment(ve.KeywordLocation)
	field := fieldPath(ve.InstanceLocation, instance)
	details := map[string]any{
		"keyword":          keyword,
		"keyword_location": ve.KeywordLocation,
	}

	switch keyword {
	case "required":
		names := quotedNames(ve.Message)
		if len(names) == 0 {
			return []issue.Issue{issue.New(issue.TypeMissingField, field, ve.Message, details)}
		}
		out := make([]issue.Issue, 0, len(names))
		for _, name := range names {
			f := joinField(field, name)
			out = append(out, issue.New(issue.TypeMissingField, f,
				fmt.Sprintf("required field '%s' is missing", f), withDetail(details, "property", name)))
		}
		return out

	case "additionalProperties", "unevaluatedProperties":
		names := quotedNames(ve.Message)
		if len(names) == 0 {
			return []issue.Issue{issue.New(issue.TypeUnexpectedField, field, ve.Message, details)}
		}
		out := make([]issue.Issue, 0, len(names))
		for _, name := range names {
			f := joinField(field, name)
			out = append(out, issue.New(issue.TypeUnexpectedField, f,
				fmt.Sprintf("field '%s' is not defined in the schema", f), withDetail(details, "property", name)))
		}
		return out
	}

	return []issue.Issue{issue.New(typeForKeyword(keyword), field, describe(field, ve.Message), details)}
}

func typeForKeyword(keyword string) issue.Type {
	switch keyword {
	case "type":
		return issue.TypeTypeMismatch
	case "format", "pattern":
		return issue.TypeFormatMismatch
	case "enum", "const":
		return issue.TypeEnumViolation
	case "minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum", "multipleOf":
		return issue.TypeRangeViolation
	case "minLength", "maxLength":
		return issue.TypeLengthViolation
	case "minItems", "maxItems":
		return issue.TypeArrayLengthViolation
	default:
		return issue.TypeSchemaViolation
	}
}

func describe(field, msg string) string {
	if field == "" {
		return msg
	}
	return fmt.Sprintf("field '%s': %s", field, msg)
}

func withDetail(details map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out[key] = value
	return out
}

func quotedNames(msg string) []string {
	matches := quotedName.FindAllStringSubmatch(msg, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.ReplaceAll(m[1], `\'`, `'`))
	}
	return names
}

func lastSegment(pointer string) string {
	if i := strings.LastIndexByte(pointer, '/'); i >= 0 {
		return unescapePointer(pointer[i+1:])
	}
	return pointer
}

func unescapePointer(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~1", "/"), "~0", "~")
}

// fieldPath renders a JSON pointer into the instance as a dotted path with
// bracketed array indices, e.g. /items/0/name -> items[0].name.
func fieldPath(pointer string, instance any) string {
	if pointer == "" || pointer == "/" {
		return ""
	}
	var b strings.Builder
	cur := instance
	for _, raw := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		seg := unescapePointer(raw)
		if arr, ok := cur.([]any); ok {
			if idx, err := strconv.Atoi(seg); err == nil {
				fmt.Fprintf(&b, "[%d]", idx)
				if idx >= 0 && idx < len(arr) {
					cur = arr[idx]
				} else {
					cur = nil
				}
				continue
			}
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
		if obj, ok := cur.(map[string]any); ok {
			cur = obj[seg]
		} else {
			cur = nil
		}
	}
	return b.String()
}

func joinField(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
