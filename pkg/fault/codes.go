package fault

// Code is a stable failure identifier. Codes MUST NOT change between
// releases; CI tooling matches on them.
type Code string

const (
	// --- Transport ---
	CodeDNSLookupFailed   Code = "DNS_LOOKUP_FAILED"
	CodeConnectionRefused Code = "CONNECTION_REFUSED"
	CodeRequestTimeout    Code = "REQUEST_TIMEOUT"
	CodeRequestAborted    Code = "REQUEST_ABORTED"
	CodeTransportFailed   Code = "TRANSPORT_FAILED"

	// --- Response ---
	CodeHTTPStatus       Code = "HTTP_STATUS"
	CodeResponseTooLarge Code = "RESPONSE_TOO_LARGE"

	// --- Engine usage ---
	CodeNotInitialized       Code = "NOT_INITIALIZED"
	CodeUnresolvedPathParams Code = "UNRESOLVED_PATH_PARAMS" // routed through the network_error issue channel
	CodeInvalidOptions       Code = "INVALID_OPTIONS"

	// --- Resilience ---
	CodeCircuitOpen      Code = "CIRCUIT_OPEN"
	CodeRetriesExhausted Code = "RETRIES_EXHAUSTED"

	// --- Batch ---
	CodeBatchPanic     Code = "BATCH_PANIC"
	CodeRunCancelled   Code = "RUN_CANCELLED"
	CodeLimiterFailure Code = "LIMITER_FAILURE"

	CodeUnknown Code = "UNKNOWN"
)

// AllCodes returns the full set of stable codes.
func AllCodes() []Code {
	return []Code{
		CodeDNSLookupFailed,
		CodeConnectionRefused,
		CodeRequestTimeout,
		CodeRequestAborted,
		CodeTransportFailed,
		CodeHTTPStatus,
		CodeResponseTooLarge,
		CodeNotInitialized,
		CodeUnresolvedPathParams,
		CodeInvalidOptions,
		CodeCircuitOpen,
		CodeRetriesExhausted,
		CodeBatchPanic,
		CodeRunCancelled,
		CodeLimiterFailure,
		CodeUnknown,
	}
}
