// Package transport performs the HTTP calls the endpoint validator makes
// against the target API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/specjet-api/specjet-sub000/pkg/fault"
)

// DefaultTimeout applies when neither the request nor the client sets one.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBodyBytes caps how much of a response body is read.
const DefaultMaxBodyBytes = 10 << 20

// Request is one outbound call. Path must already be resolved and escaped.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Headers map[string]string
	Timeout time.Duration
}

// Response is a received HTTP response with a decoded body. JSON bodies
// decode to map/slice/json.Number values; anything else is a string.
type Response struct {
	Status   int
	Headers  http.Header
	Body     any
	Size     int
	Duration time.Duration

	// Truncated is set when the body exceeded the read limit. Body is then
	// nil and Size is the limit.
	Truncated bool
}

// Transport executes requests. Implementations return *fault.Error of
// KindTransport for failures that produced no response.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPClient is the net/http Transport.
type HTTPClient struct {
	base    string
	client  *http.Client
	headers map[string]string
	tokens  TokenSource
	timeout time.Duration
	maxBody int64
	logger  *slog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.client = c }
}

// WithHeader adds a header sent with every request.
func WithHeader(name, value string) Option {
	return func(h *HTTPClient) { h.headers[name] = value }
}

// WithTokenSource sets a bearer token source.
func WithTokenSource(ts TokenSource) Option {
	return func(h *HTTPClient) { h.tokens = ts }
}

// WithTimeout sets the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTPClient) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithMaxBodyBytes sets how much of a response body is read.
func WithMaxBodyBytes(n int64) Option {
	return func(h *HTTPClient) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *HTTPClient) {
		if logger != nil {
			h.logger = logger.With("component", "transport")
		}
	}
}

// NewHTTPClient creates a client for the API rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	h := &HTTPClient{
		base:    strings.TrimRight(u.String(), "/"),
		client:  &http.Client{},
		headers: map[string]string{},
		timeout: DefaultTimeout,
		maxBody: DefaultMaxBodyBytes,
		logger:  slog.Default().With("component", "transport"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Do sends req. A transport failure is returned as *fault.Error; any HTTP
// status, including 5xx, is a successful exchange.
func (h *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	op := strings.ToUpper(req.Method) + " " + req.Path
	httpReq, err := h.build(callCtx, req)
	if err != nil {
		return nil, fault.New(fault.KindStructural, fault.CodeInvalidOptions, op, err)
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		ferr := classify(ctx, callCtx, op, err)
		h.logger.DebugContext(ctx, "request failed", "op", op, "code", ferr.Code, "error", err)
		return nil, ferr
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	elapsed := time.Since(start)
	if err != nil {
		return nil, classify(ctx, callCtx, op, err)
	}
	if int64(len(raw)) > h.maxBody {
		h.logger.WarnContext(ctx, "response body truncated", "op", op, "limit_bytes", h.maxBody)
		return &Response{
			Status:    resp.StatusCode,
			Headers:   resp.Header,
			Size:      int(h.maxBody),
			Duration:  elapsed,
			Truncated: true,
		}, nil
	}

	return &Response{
		Status:   resp.StatusCode,
		Headers:  resp.Header,
		Body:     decodeBody(resp.Header.Get("Content-Type"), raw),
		Size:     len(raw),
		Duration: elapsed,
	}, nil
}

func (h *HTTPClient) build(ctx context.Context, req *Request) (*http.Request, error) {
	target := h.base + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range h.headers {
		httpReq.Header.Set(k, v)
	}
	if h.tokens != nil {
		token, err := h.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
	return httpReq, nil
}

func decodeBody(contentType string, raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") || trimmed[0] == '{' || trimmed[0] == '[' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err == nil {
			return v
		}
	}
	return string(raw)
}

// classify maps a failed exchange onto a transport code. parent is the
// caller's context and call the one carrying the request timeout.
func classify(parent, call context.Context, op string, err error) *fault.Error {
	code := fault.CodeTransportFailed
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case parent.Err() != nil:
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			code = fault.CodeRequestTimeout
		} else {
			code = fault.CodeRequestAborted
		}
	case errors.Is(call.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		code = fault.CodeRequestTimeout
	case errors.As(err, &dnsErr):
		code = fault.CodeDNSLookupFailed
	case errors.Is(err, syscall.ECONNREFUSED):
		code = fault.CodeConnectionRefused
	case errors.As(err, &netErr) && netErr.Timeout():
		code = fault.CodeRequestTimeout
	}
	return fault.New(fault.KindTransport, code, op, err)
}
