package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/specjet-api/specjet-sub000/pkg/contract"
	"github.com/specjet-api/specjet-sub000/pkg/fault"
	"github.com/specjet-api/specjet-sub000/pkg/issue"
	"github.com/specjet-api/specjet-sub000/pkg/schema"
	"github.com/specjet-api/specjet-sub000/pkg/transport"
)

// EndpointValidator validates endpoints of a loaded contract over a
// Transport. It is safe for concurrent use once initialized.
type EndpointValidator struct {
	mu       sync.RWMutex
	contract *contract.Contract

	transport  transport.Transport
	checker    *schema.Checker
	discoverer ParamDiscoverer
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures an EndpointValidator.
type Option func(*EndpointValidator)

// WithDiscoverer enables parameter discovery for values the caller omits.
func WithDiscoverer(d ParamDiscoverer) Option {
	return func(v *EndpointValidator) { v.discoverer = d }
}

// WithChecker shares a schema checker (and its compile cache).
func WithChecker(c *schema.Checker) Option {
	return func(v *EndpointValidator) {
		if c != nil {
			v.checker = c
		}
	}
}

// WithClock overrides the clock used for result timestamps.
func WithClock(clock func() time.Time) Option {
	return func(v *EndpointValidator) { v.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *EndpointValidator) {
		if logger != nil {
			v.logger = logger.With("component", "validator")
		}
	}
}

// NewEndpointValidator creates a validator. Initialize must be called
// before ValidateEndpoint.
func NewEndpointValidator(t transport.Transport, opts ...Option) *EndpointValidator {
	v := &EndpointValidator{
		transport: t,
		clock:     time.Now,
		logger:    slog.Default().With("component", "validator"),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.checker == nil {
		v.checker = schema.NewChecker(schema.WithLogger(v.logger))
	}
	return v
}

// Initialize binds the contract to validate against.
func (v *EndpointValidator) Initialize(c *contract.Contract) error {
	if c == nil {
		return fault.New(fault.KindStructural, fault.CodeInvalidOptions, "initialize", fmt.Errorf("nil contract"))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.contract = c
	return nil
}

// Contract returns the bound contract, or nil.
func (v *EndpointValidator) Contract() *contract.Contract {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.contract
}

// ValidateEndpoint runs one endpoint. It returns an error only when the
// validator has no contract.
func (v *EndpointValidator) ValidateEndpoint(ctx context.Context, path, method string, opts Options) (*Result, error) {
	c := v.Contract()
	if c == nil || v.transport == nil {
		return nil, fault.New(fault.KindStructural, fault.CodeNotInitialized, method+" "+path, nil)
	}
	method = strings.ToUpper(method)

	ep, ok := c.Find(path, method)
	if !ok {
		return NewResult(path, method, nil, []issue.Issue{
			issue.New(issue.TypeEndpointNotFound, "",
				fmt.Sprintf("endpoint %s %s is not defined in the contract", method, path), nil),
		}, v.clock()), nil
	}

	resolved, unresolved := resolvePath(ctx, ep, opts.PathParams, v.discoverer)
	if len(unresolved) > 0 {
		cause := fault.New(fault.KindStructural, fault.CodeUnresolvedPathParams, ep.Key(),
			fmt.Errorf("unresolved path parameters: %s", strings.Join(unresolved, ", ")))
		res := NewResult(path, method, nil, []issue.Issue{
			issue.New(issue.TypeNetworkError, "",
				fmt.Sprintf("unresolved path parameters: %s", strings.Join(unresolved, ", ")),
				map[string]any{"code": string(fault.CodeUnresolvedPathParams), "unresolved": unresolved}),
		}, v.clock())
		res.Cause = cause
		return res, nil
	}

	body := opts.Body
	if body == nil && len(ep.RequestSchema) > 0 {
		body = schema.GenerateSample(ep.RequestSchema)
	}

	resp, err := v.transport.Do(ctx, &transport.Request{
		Method:  method,
		Path:    resolved,
		Query:   fillQuery(ctx, ep, opts.Query, v.discoverer),
		Body:    body,
		Headers: opts.Headers,
		Timeout: opts.Timeout,
	})
	if err != nil {
		res := NewResult(path, method, nil, []issue.Issue{
			issue.New(issue.TypeNetworkError, "", err.Error(), map[string]any{
				"code": string(fault.CodeOf(err)),
				"kind": fault.KindOf(err).String(),
			}),
		}, v.clock())
		res.Cause = err
		res.Metadata.ResolvedPath = resolved
		v.logger.DebugContext(ctx, "transport failure", "endpoint", ep.Key(), "code", fault.CodeOf(err))
		return res, nil
	}

	status := resp.Status
	res := NewResult(path, method, &status, v.checkResponse(ep, resp), v.clock())
	res.Metadata = Metadata{
		ResponseTimeMs: resp.Duration.Milliseconds(),
		ResponseSize:   resp.Size,
		ResolvedPath:   resolved,
	}
	return res, nil
}

func (v *EndpointValidator) checkResponse(ep *contract.Endpoint, resp *transport.Response) []issue.Issue {
	spec, ok := matchResponse(ep.Responses, resp.Status)
	if !ok {
		return []issue.Issue{issue.New(issue.TypeUnexpectedStatusCode, "",
			fmt.Sprintf("status %d is not declared for %s", resp.Status, ep.Key()),
			map[string]any{"status": resp.Status, "declared": declaredStatuses(ep.Responses)})}
	}

	var issues []issue.Issue
	switch {
	case resp.Truncated && len(spec.Schema) > 0:
		issues = append(issues, issue.New(issue.TypeSchemaViolation, "",
			fmt.Sprintf("response body exceeds %d bytes and was not checked", resp.Size),
			map[string]any{"code": string(fault.CodeResponseTooLarge), "limit_bytes": resp.Size}))
	case !resp.Truncated:
		issues = v.checker.ValidateResponse(resp.Body, spec.Schema)
	}

	names := make([]string, 0, len(spec.Headers))
	for name := range spec.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if spec.Headers[name].Required && len(resp.Headers.Values(name)) == 0 {
			issues = append(issues, issue.New(issue.TypeMissingHeader, name,
				fmt.Sprintf("required header %s is missing", name), nil))
		}
	}
	return issues
}

// matchResponse finds the ResponseSpec for status: exact code, then an NXX range,
// then default.
func matchResponse(responses map[string]contract.ResponseSpec, status int) (contract.ResponseSpec, bool) {
	code := strconv.Itoa(status)
	if spec, ok := responses[code]; ok {
		return spec, true
	}
	for key, spec := range responses {
		if len(key) == 3 && key[0] == code[0] && strings.EqualFold(key[1:], "XX") {
			return spec, true
		}
	}
	spec, ok := responses["default"]
	return spec, ok
}

func declaredStatuses(responses map[string]contract.ResponseSpec) []string {
	out := make([]string, 0, len(responses))
	for k := range responses {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
