package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/specjet-api/specjet-sub000/pkg/fault"
)

const (
	// DefaultMaxDelay caps every computed backoff.
	DefaultMaxDelay = 30 * time.Second
	// JitterFraction is the upper bound of jitter relative to the
	// exponential term.
	JitterFraction = 0.1

	defaultBaseDelay  = time.Second
	defaultMaxRetries = 2
)

// RetryConfig configures a RetryHandler.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries" validate:"gte=0"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay" validate:"gte=0"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay" validate:"gte=0"`

	// OnRetry is called before each backoff sleep. It observes only.
	OnRetry func(attempt, maxRetries int, err error, backoff time.Duration) `yaml:"-" json:"-"`
}

// RetryHandler re-invokes failing operations with exponential backoff and
// jitter. Each Do call keeps its own attempt counter; the handler itself is
// safe to share between goroutines.
type RetryHandler struct {
	config RetryConfig
	jitter func() float64 // uniform in [0, 1)
	sleep  func(context.Context, time.Duration) error
	logger *slog.Logger
}

// NewRetryHandler creates a handler. A negative MaxRetries means the default.
func NewRetryHandler(config RetryConfig) *RetryHandler {
	if config.MaxRetries < 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaultBaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	return &RetryHandler{
		config: config,
		jitter: rand.Float64,
		sleep:  sleepContext,
		logger: slog.Default().With("component", "retry"),
	}
}

// WithSleeper overrides the sleeper and jitter source for tests.
func (h *RetryHandler) WithSleeper(sleep func(context.Context, time.Duration) error, jitter func() float64) *RetryHandler {
	if sleep != nil {
		h.sleep = sleep
	}
	if jitter != nil {
		h.jitter = jitter
	}
	return h
}

// WithLogger sets the logger.
func (h *RetryHandler) WithLogger(logger *slog.Logger) *RetryHandler {
	if logger != nil {
		h.logger = logger.With("component", "retry")
	}
	return h
}

// MaxRetries returns the configured retry budget.
func (h *RetryHandler) MaxRetries() int { return h.config.MaxRetries }

// ExhaustedError is returned when a retryable failure persisted through
// every attempt.
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Code returns RETRIES_EXHAUSTED.
func (e *ExhaustedError) Code() fault.Code { return fault.CodeRetriesExhausted }

// Do invokes op, retrying retryable failures up to MaxRetries times.
// Non-retryable errors are returned as-is; a retryable error that outlives
// the budget is returned as *ExhaustedError.
func (h *RetryHandler) Do(ctx context.Context, name string, op func(context.Context) error) error {
	maxAttempts := h.config.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}

		backoff := h.Backoff(attempt)
		if h.config.OnRetry != nil {
			h.config.OnRetry(attempt+1, h.config.MaxRetries, err, backoff)
		}
		h.logger.DebugContext(ctx, "retrying",
			"operation", name,
			"attempt", attempt+1,
			"max_retries", h.config.MaxRetries,
			"backoff_ms", backoff.Milliseconds(),
			"error", err,
		)
		if serr := h.sleep(ctx, backoff); serr != nil {
			return fmt.Errorf("%s: retry interrupted: %w", name, errors.Join(serr, err))
		}
	}

	return &ExhaustedError{Name: name, Attempts: maxAttempts, Err: lastErr}
}

// Backoff returns min(cap, base*2^attempt + jitter) where jitter is drawn
// uniformly from [0, JitterFraction*base*2^attempt].
func (h *RetryHandler) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Beyond 2^32 the cap applies anyway.
	exp := float64(h.config.BaseDelay) * math.Pow(2, float64(min(attempt, 32)))
	delay := exp + h.jitter()*JitterFraction*exp
	if delay > float64(h.config.MaxDelay) {
		return h.config.MaxDelay
	}
	return time.Duration(delay)
}

// IsRetryable classifies an error. Typed failures defer to
// fault.Retryable; foreign errors are matched against network conditions
// and timeout patterns.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return false
	}
	if _, ok := fault.As(err); ok {
		return fault.Retryable(err)
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.EPIPE,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		syscall.ETIMEDOUT,
		syscall.ECONNABORTED,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

var retryablePatterns = []string{
	"timeout",
	"timed out",
	"etimedout",
	"econnreset",
	"econnrefused",
	"enotfound",
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"host unreachable",
	"no route to host",
}
