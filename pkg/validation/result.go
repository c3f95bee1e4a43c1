// Package validation exercises a single contract endpoint against the
// target API and reports the outcome as a Result.
package validation

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/specjet-api/specjet-sub000/pkg/issue"
)

// Result is the outcome of validating one endpoint. It is created once per
// validation attempt and not modified after it is returned.
type Result struct {
	Endpoint   string        `json:"endpoint"`
	Method     string        `json:"method"`
	Success    bool          `json:"success"`
	StatusCode *int          `json:"status_code"` // nil when no response was obtained
	Issues     []issue.Issue `json:"issues"`
	Timestamp  time.Time     `json:"timestamp"`
	Metadata   Metadata      `json:"metadata"`

	// Cause is the typed failure behind a network_error issue.
	Cause error `json:"-"`
}

// Metadata describes the exchange.
type Metadata struct {
	ResponseTimeMs int64  `json:"response_time_ms"`
	ResponseSize   int    `json:"response_size"`
	ResolvedPath   string `json:"resolved_path,omitempty"`
}

// Key identifies the endpoint, e.g. "GET /users/{id}".
func (r *Result) Key() string {
	return r.Method + " " + r.Endpoint
}

// Status returns the status code, or 0 when there was no response.
func (r *Result) Status() int {
	if r.StatusCode == nil {
		return 0
	}
	return *r.StatusCode
}

// NewResult builds a result whose success flag is derived from issues.
func NewResult(endpoint, method string, status *int, issues []issue.Issue, at time.Time) *Result {
	if issues == nil {
		issues = []issue.Issue{}
	}
	return &Result{
		Endpoint:   endpoint,
		Method:     strings.ToUpper(method),
		Success:    len(issues) == 0,
		StatusCode: status,
		Issues:     issues,
		Timestamp:  at.UTC(),
	}
}

// Options are per-call request inputs.
type Options struct {
	PathParams map[string]string
	Query      url.Values
	Body       any
	Headers    map[string]string
	Timeout    time.Duration
}

// Validator validates one endpoint. The only error it returns is misuse
// (no contract loaded); every other outcome is a Result.
type Validator interface {
	ValidateEndpoint(ctx context.Context, path, method string, opts Options) (*Result, error)
}
