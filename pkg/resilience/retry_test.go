package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specjet-api/specjet-sub000/pkg/fault"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetryHandler_RetriesTransientThenSucceeds(t *testing.T) {
	var observed []int
	h := NewRetryHandler(RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		OnRetry: func(attempt, maxRetries int, err error, backoff time.Duration) {
			observed = append(observed, attempt)
			assert.Equal(t, 3, maxRetries)
			assert.Error(t, err)
		},
	}).WithSleeper(noSleep, func() float64 { return 0 })

	calls := 0
	err := h.Do(context.Background(), "GET /users", func(context.Context) error {
		calls++
		if calls < 3 {
			return fault.New(fault.KindTransport, fault.CodeConnectionRefused, "", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, observed)
}

func TestRetryHandler_ExhaustsBudget(t *testing.T) {
	h := NewRetryHandler(RetryConfig{MaxRetries: 2}).WithSleeper(noSleep, nil)
	cause := fault.New(fault.KindTransport, fault.CodeRequestTimeout, "", nil)

	calls := 0
	err := h.Do(context.Background(), "GET /slow", func(context.Context) error {
		calls++
		return cause
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "GET /slow", exhausted.Name)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, fault.CodeRetriesExhausted, exhausted.Code())
	assert.False(t, IsRetryable(err))
}

func TestRetryHandler_TerminalErrorNotRetried(t *testing.T) {
	h := NewRetryHandler(RetryConfig{MaxRetries: 5}).WithSleeper(noSleep, nil)
	terminal := fault.New(fault.KindStructural, fault.CodeNotInitialized, "", nil)

	calls := 0
	err := h.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return terminal
	})
	assert.Same(t, terminal, err)
	assert.Equal(t, 1, calls)
}

func TestRetryHandler_ZeroRetriesRunsOnce(t *testing.T) {
	h := NewRetryHandler(RetryConfig{MaxRetries: 0}).WithSleeper(noSleep, nil)
	calls := 0
	err := h.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return syscall.ECONNRESET
	})
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, calls)
}

func TestRetryHandler_SleepInterruptedByContext(t *testing.T) {
	h := NewRetryHandler(RetryConfig{MaxRetries: 3, BaseDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.Do(ctx, "op", func(context.Context) error { return syscall.ECONNREFUSED })
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, syscall.ECONNREFUSED)
}

func TestBackoff_BoundsAndCap(t *testing.T) {
	low := NewRetryHandler(RetryConfig{BaseDelay: time.Second}).WithSleeper(nil, func() float64 { return 0 })
	high := NewRetryHandler(RetryConfig{BaseDelay: time.Second}).WithSleeper(nil, func() float64 { return 0.999999 })

	for a := 0; a < 10; a++ {
		exp := time.Second * time.Duration(1<<a)
		lo, hi := low.Backoff(a), high.Backoff(a)
		if exp >= DefaultMaxDelay {
			assert.Equal(t, DefaultMaxDelay, lo, "attempt %d", a)
			assert.Equal(t, DefaultMaxDelay, hi, "attempt %d", a)
			continue
		}
		assert.Equal(t, exp, lo, "attempt %d", a)
		assert.LessOrEqual(t, hi, min(DefaultMaxDelay, time.Duration(float64(exp)*1.1)), "attempt %d", a)
		assert.Greater(t, hi, exp, "attempt %d", a)
	}
	assert.Equal(t, DefaultMaxDelay, low.Backoff(1000))
}

func TestIsRetryable_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"refused", syscall.ECONNREFUSED, true},
		{"pipe", syscall.EPIPE, true},
		{"unreachable", syscall.EHOSTUNREACH, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.invalid"}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"pattern", errors.New("upstream timed out"), true},
		{"status 503", &fault.Error{Kind: fault.KindHTTPStatus, Code: fault.CodeHTTPStatus, Status: 503}, true},
		{"status 400", &fault.Error{Kind: fault.KindHTTPStatus, Code: fault.CodeHTTPStatus, Status: 400}, false},
		{"open breaker", ErrCircuitOpen, false},
		{"plain", errors.New("bad request"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}
