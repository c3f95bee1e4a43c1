package schema

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specjet-api/specjet-sub000/pkg/issue"
)

func userSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"id", "name"},
		"properties": map[string]any{
			"id":   map[string]any{"type": "integer"},
			"name": map[string]any{"type": "string"},
		},
	}
}

func TestValidateResponse_TypeMismatchOnName(t *testing.T) {
	c := NewChecker()
	issues := c.ValidateResponse(map[string]any{"id": 1, "name": 123}, userSchema())

	require.Len(t, issues, 1)
	assert.Equal(t, issue.TypeTypeMismatch, issues[0].Type)
	assert.Equal(t, "name", issues[0].Field)
	assert.Equal(t, issue.SeverityError, issues[0].Severity)
}

func TestValidateResponse_ConformingBodyHasNoIssues(t *testing.T) {
	c := NewChecker()
	assert.Empty(t, c.ValidateResponse(map[string]any{"id": 7, "name": "ada"}, userSchema()))
}

func TestValidateResponse_OneIssuePerMissingField(t *testing.T) {
	c := NewChecker()
	issues := c.ValidateResponse(map[string]any{}, userSchema())

	require.Len(t, issues, 2)
	assert.Equal(t, "id", issues[0].Field)
	assert.Equal(t, "name", issues[1].Field)
	for _, is := range issues {
		assert.Equal(t, issue.TypeMissingField, is.Type)
		assert.Equal(t, issue.SeverityError, is.Severity)
	}
}

func TestValidateResponse_NestedMissingFieldHasParentPath(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"owner": map[string]any{
				"type":       "object",
				"required":   []any{"email"},
				"properties": map[string]any{"email": map[string]any{"type": "string"}},
			},
		},
	}
	issues := NewChecker().ValidateResponse(map[string]any{"owner": map[string]any{}}, schema)

	require.Len(t, issues, 1)
	assert.Equal(t, issue.TypeMissingField, issues[0].Type)
	assert.Equal(t, "owner.email", issues[0].Field)
}

func TestValidateResponse_UnexpectedFields(t *testing.T) {
	schema := userSchema()
	schema["additionalProperties"] = false

	issues := NewChecker().ValidateResponse(map[string]any{
		"id": 1, "name": "ada", "debug": true, "trace": "x",
	}, schema)

	require.Len(t, issues, 2)
	assert.Equal(t, "debug", issues[0].Field)
	assert.Equal(t, "trace", issues[1].Field)
	for _, is := range issues {
		assert.Equal(t, issue.TypeUnexpectedField, is.Type)
		assert.Equal(t, issue.SeverityWarning, is.Severity)
	}
}

func TestValidateResponse_KeywordMapping(t *testing.T) {
	cases := []struct {
		name   string
		schema map[string]any
		data   any
		want   issue.Type
	}{
		{"format", map[string]any{"type": "string", "format": "email"}, "not-an-email", issue.TypeFormatMismatch},
		{"pattern", map[string]any{"type": "string", "pattern": "^a"}, "b", issue.TypeFormatMismatch},
		{"enum", map[string]any{"enum": []any{"red", "green"}}, "blue", issue.TypeEnumViolation},
		{"const", map[string]any{"const": "fixed"}, "other", issue.TypeEnumViolation},
		{"minimum", map[string]any{"type": "integer", "minimum": 10}, 3, issue.TypeRangeViolation},
		{"maximum", map[string]any{"type": "number", "maximum": 1.5}, 2, issue.TypeRangeViolation},
		{"multipleOf", map[string]any{"type": "integer", "multipleOf": 5}, 7, issue.TypeRangeViolation},
		{"minLength", map[string]any{"type": "string", "minLength": 5}, "ab", issue.TypeLengthViolation},
		{"maxLength", map[string]any{"type": "string", "maxLength": 1}, "ab", issue.TypeLengthViolation},
		{"minItems", map[string]any{"type": "array", "minItems": 2}, []any{1}, issue.TypeArrayLengthViolation},
		{"maxItems", map[string]any{"type": "array", "maxItems": 0}, []any{1}, issue.TypeArrayLengthViolation},
		{"other keyword", map[string]any{"type": "array", "uniqueItems": true}, []any{1, 1}, issue.TypeSchemaViolation},
		{"int32 format", map[string]any{"type": "integer", "format": "int32"}, int64(3000000000), issue.TypeFormatMismatch},
	}

	c := NewChecker()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			issues := c.ValidateResponse(tc.data, tc.schema)
			require.Len(t, issues, 1, "issues: %v", issues)
			assert.Equal(t, tc.want, issues[0].Type)
			assert.Equal(t, issue.SeverityOf(tc.want), issues[0].Severity)
		})
	}
}

func TestValidateResponse_ArrayFieldPath(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":       "object",
					"properties": map[string]any{"name": map[string]any{"type": "string"}},
				},
			},
		},
	}
	data := map[string]any{"items": []any{
		map[string]any{"name": "ok"},
		map[string]any{"name": 42},
	}}

	issues := NewChecker().ValidateResponse(data, schema)
	require.Len(t, issues, 1)
	assert.Equal(t, "items[1].name", issues[0].Field)
}

func TestValidateResponse_NullableAndExclusiveBounds(t *testing.T) {
	c := NewChecker()

	nullable := map[string]any{"type": "string", "nullable": true}
	assert.Empty(t, c.ValidateResponse(nil, nullable))

	exclusive := map[string]any{"type": "integer", "minimum": 5, "exclusiveMinimum": true}
	issues := c.ValidateResponse(5, exclusive)
	require.Len(t, issues, 1)
	assert.Equal(t, issue.TypeRangeViolation, issues[0].Type)
	assert.Empty(t, c.ValidateResponse(6, exclusive))

	// Properties named like OpenAPI keywords keep their schemas.
	keywordNamed := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"nullable":         map[string]any{"type": "string"},
			"exclusiveMinimum": map[string]any{"type": "boolean"},
		},
	}
	issues = c.ValidateResponse(map[string]any{"nullable": 5, "exclusiveMinimum": true}, keywordNamed)
	require.Len(t, issues, 1)
	assert.Equal(t, issue.TypeTypeMismatch, issues[0].Type)
	assert.Equal(t, "nullable", issues[0].Field)

	normalized := Normalize(keywordNamed)
	props := normalized["properties"].(map[string]any)
	assert.Contains(t, props, "nullable")
	assert.Contains(t, props, "exclusiveMinimum")
}

func TestValidateResponse_CompilationErrorIsCaptured(t *testing.T) {
	c := NewChecker()
	bad := map[string]any{"type": "not-a-type"}

	var issues []issue.Issue
	require.NotPanics(t, func() { issues = c.ValidateResponse(map[string]any{}, bad) })
	require.Len(t, issues, 1)
	assert.Equal(t, issue.TypeSchemaCompilationError, issues[0].Type)
	assert.Equal(t, issue.SeverityError, issues[0].Severity)

	// Cached failures are reported the same way.
	again := c.ValidateResponse(map[string]any{}, bad)
	assert.Equal(t, issues, again)
}

func TestValidateResponse_EmptySchemaAcceptsAnything(t *testing.T) {
	c := NewChecker()
	assert.Nil(t, c.ValidateResponse("whatever", nil))
	assert.Nil(t, c.ValidateResponse(123, map[string]any{}))
}

func TestChecker_CachesByCanonicalForm(t *testing.T) {
	c := NewChecker()
	a := map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{"type": "string"}}}
	b := map[string]any{
		"nullable":   false,
		"properties": map[string]any{"a": map[string]any{"type": "string", "nullable": false}},
		"type":       "object",
	}

	c.ValidateResponse(map[string]any{}, a)
	c.ValidateResponse(map[string]any{}, b)
	assert.Equal(t, 1, c.CacheSize())
}

func TestChecker_ConcurrentValidation(t *testing.T) {
	c := NewChecker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			issues := c.ValidateResponse(map[string]any{"id": i, "name": i}, userSchema())
			assert.Len(t, issues, 1)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, c.CacheSize())
}

func TestNormalize_DoesNotMutateInput(t *testing.T) {
	in := map[string]any{"type": "string", "nullable": true, "enum": []any{"a"}}
	out := Normalize(in)

	assert.Equal(t, true, in["nullable"])
	assert.Equal(t, "string", in["type"])
	assert.Equal(t, []any{"string", "null"}, out["type"])
	assert.Equal(t, []any{"a", nil}, out["enum"])
	_, has := out["nullable"]
	assert.False(t, has)
}

func TestFieldPath(t *testing.T) {
	instance := map[string]any{
		"a": map[string]any{"b": []any{map[string]any{"c": 1}}},
		"0": map[string]any{"x/y": 1},
	}
	assert.Equal(t, "", fieldPath("", instance))
	assert.Equal(t, "a.b[0].c", fieldPath("/a/b/0/c", instance))
	assert.Equal(t, "0.x/y", fieldPath("/0/x~1y", instance))
}
