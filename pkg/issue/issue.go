// Package issue defines the fixed vocabulary of deviations reported by the
// validation engine. Severity is derived from the issue type and cannot be
// set independently.
package issue

import "fmt"

// Type identifies a class of deviation.
type Type string

const (
	// --- Contract mismatch ---
	TypeMissingField         Type = "missing_field"
	TypeTypeMismatch         Type = "type_mismatch"
	TypeFormatMismatch       Type = "format_mismatch"
	TypeEnumViolation        Type = "enum_violation"
	TypeRangeViolation       Type = "range_violation"
	TypeLengthViolation      Type = "length_violation"
	TypeArrayLengthViolation Type = "array_length_violation"
	TypeUnexpectedField      Type = "unexpected_field"
	TypeSchemaViolation      Type = "schema_violation"
	TypeUnexpectedStatusCode Type = "unexpected_status_code"
	TypeMissingHeader        Type = "missing_header"

	// --- Structural ---
	TypeSchemaCompilationError Type = "schema_compilation_error"
	TypeEndpointNotFound       Type = "endpoint_not_found"

	// --- Transport ---
	TypeNetworkError     Type = "network_error"
	TypeValidationFailed Type = "validation_failed"

	// --- Overload protective ---
	TypeCircuitBreakerOpen Type = "circuit_breaker_open"

	// --- Batch infrastructure ---
	TypeBatchProcessingError Type = "batch_processing_error"
)

// Severity ranks an issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Class is the propagation policy of an issue type.
type Class string

const (
	ClassContractMismatch Class = "contract_mismatch"
	ClassStructural       Class = "structural"
	ClassTransport        Class = "transport"
	ClassOverload         Class = "overload_protective"
	ClassBatch            Class = "batch_infrastructure"
)

// AllTypes returns every issue type in a stable order.
func AllTypes() []Type {
	return []Type{
		TypeMissingField,
		TypeTypeMismatch,
		TypeFormatMismatch,
		TypeEnumViolation,
		TypeRangeViolation,
		TypeLengthViolation,
		TypeArrayLengthViolation,
		TypeUnexpectedField,
		TypeSchemaViolation,
		TypeUnexpectedStatusCode,
		TypeMissingHeader,
		TypeSchemaCompilationError,
		TypeEndpointNotFound,
		TypeNetworkError,
		TypeValidationFailed,
		TypeCircuitBreakerOpen,
		TypeBatchProcessingError,
	}
}

// SeverityOf maps a type to its severity. Unknown types are errors.
func SeverityOf(t Type) Severity {
	switch t {
	case TypeMissingField, TypeTypeMismatch, TypeSchemaViolation, TypeMissingHeader,
		TypeSchemaCompilationError, TypeEndpointNotFound,
		TypeNetworkError, TypeValidationFailed, TypeBatchProcessingError:
		return SeverityError
	case TypeFormatMismatch, TypeUnexpectedField, TypeUnexpectedStatusCode, TypeCircuitBreakerOpen:
		return SeverityWarning
	case TypeEnumViolation, TypeRangeViolation, TypeLengthViolation, TypeArrayLengthViolation:
		return SeverityInfo
	default:
		return SeverityError
	}
}

// ClassOf maps a type to its propagation class.
func ClassOf(t Type) Class {
	switch t {
	case TypeSchemaCompilationError, TypeEndpointNotFound:
		return ClassStructural
	case TypeNetworkError, TypeValidationFailed:
		return ClassTransport
	case TypeCircuitBreakerOpen:
		return ClassOverload
	case TypeBatchProcessingError:
		return ClassBatch
	default:
		return ClassContractMismatch
	}
}

// Issue is a single detected deviation.
type Issue struct {
	Type     Type           `json:"type"`
	Field    string         `json:"field,omitempty"` // empty when the issue is not tied to a field
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// New builds an Issue with the severity derived from t.
func New(t Type, field, message string, details map[string]any) Issue {
	return Issue{
		Type:     t,
		Field:    field,
		Message:  message,
		Severity: SeverityOf(t),
		Details:  details,
	}
}

// Newf is New with a formatted message and no details.
func Newf(t Type, field, format string, args ...any) Issue {
	return New(t, field, fmt.Sprintf(format, args...), nil)
}

func (i Issue) String() string {
	if i.Field == "" {
		return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Type, i.Message)
	}
	return fmt.Sprintf("[%s] %s at %s: %s", i.Severity, i.Type, i.Field, i.Message)
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
