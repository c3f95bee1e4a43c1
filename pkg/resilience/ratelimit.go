package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter bounds the outbound request rate. Acquire may block until a permit
// is available; it never rejects and only fails when ctx ends.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// RateLimiter is a token bucket whose capacity follows its refill rate.
// Refill is lazy: tokens = min(capacity, tokens + elapsed*rate) at call time.
// When empty, the caller waits 1/rate and checks again.
type RateLimiter struct {
	mu    sync.Mutex
	lim   *rate.Limiter
	rps   float64
	clock func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewRateLimiter creates a full bucket refilling at rps tokens per second.
// Non-positive rates are treated as 1.
func NewRateLimiter(rps float64) *RateLimiter {
	if rps <= 0 {
		rps = 1
	}
	return &RateLimiter{
		lim:   rate.NewLimiter(rate.Limit(rps), capacityFor(rps)),
		rps:   rps,
		clock: time.Now,
		sleep: sleepContext,
	}
}

// WithClock overrides the clock and sleeper for deterministic testing.
func (l *RateLimiter) WithClock(clock func() time.Time, sleep func(context.Context, time.Duration) error) *RateLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
	if sleep != nil {
		l.sleep = sleep
	}
	return l
}

// capacityFor returns the bucket size for a rate. A bucket must hold at
// least one token or Acquire could never succeed.
func capacityFor(rps float64) int {
	return max(1, int(math.Floor(rps)))
}

// Acquire consumes one token, waiting in 1/rate steps while none is left.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		// AllowN never reserves future tokens, so the bucket cannot go negative.
		ok := l.lim.AllowN(l.clock(), 1)
		wait := time.Duration(float64(time.Second) / l.rps)
		sleep := l.sleep
		l.mu.Unlock()

		if ok {
			return nil
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// SetRate changes the refill rate. Capacity follows the new rate and the
// current token count is capped to it.
func (l *RateLimiter) SetRate(rps float64) {
	if rps <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	l.lim.SetLimitAt(now, rate.Limit(rps))
	l.lim.SetBurstAt(now, capacityFor(rps))
	l.rps = rps
}

// Rate returns the configured refill rate.
func (l *RateLimiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rps
}

// Capacity returns the bucket size.
func (l *RateLimiter) Capacity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.lim.Burst())
}

// Tokens returns the tokens available now.
func (l *RateLimiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lim.TokensAt(l.clock())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
