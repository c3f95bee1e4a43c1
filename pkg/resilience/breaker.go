package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/specjet-api/specjet-sub000/pkg/fault"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ErrCircuitOpen is returned without invoking the operation while the
// breaker is open.
var ErrCircuitOpen = fault.New(fault.KindOverload, fault.CodeCircuitOpen, "", nil)

// BreakerConfig configures a CircuitBreaker. Zero values take defaults.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=0"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout" validate:"gte=0"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold" validate:"gte=0"`

	// OnStateChange is invoked synchronously after a transition, outside the
	// breaker lock.
	OnStateChange func(from, to State) `yaml:"-" json:"-"`
}

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 60 * time.Second
	defaultSuccessThreshold = 3
)

// CircuitBreaker is a three-state breaker. It is safe for concurrent use;
// every counter and state read or write happens under mu.
type CircuitBreaker struct {
	mu          sync.Mutex
	config      BreakerConfig
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	clock       func() time.Time
}

// NewCircuitBreaker creates a breaker in the CLOSED state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaultResetTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaultSuccessThreshold
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clock = clock
	return cb
}

// Execute runs op if the breaker allows it and records the outcome.
// op's error is returned unchanged after the state transition.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := op(ctx)
	cb.record(err)
	return err
}

// allow performs the lazy OPEN -> HALF_OPEN transition.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	var from, to State
	changed := false
	allowed := true

	if cb.state == StateOpen {
		if cb.clock().Sub(cb.lastFailure) > cb.config.ResetTimeout {
			from, to, changed = cb.transitionLocked(StateHalfOpen)
		} else {
			allowed = false
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
	return allowed
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	var from, to State
	changed := false

	if err == nil {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				from, to, changed = cb.transitionLocked(StateClosed)
			}
		}
	} else {
		now := cb.clock()
		switch cb.state {
		case StateClosed:
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				cb.lastFailure = now
				from, to, changed = cb.transitionLocked(StateOpen)
			}
		case StateHalfOpen:
			cb.lastFailure = now
			from, to, changed = cb.transitionLocked(StateOpen)
		case StateOpen:
			// A call admitted before another goroutine reopened the breaker.
			cb.lastFailure = now
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
}

// transitionLocked switches state and resets the per-cycle counters.
func (cb *CircuitBreaker) transitionLocked(to State) (State, State, bool) {
	from := cb.state
	if from == to {
		return from, to, false
	}
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	return from, to, true
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// Reset forces CLOSED with all counters zeroed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastFailure = time.Time{}
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

// State returns the current state without triggering lazy transitions.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerSnapshot is a point-in-time copy of the breaker bookkeeping.
type BreakerSnapshot struct {
	State       State
	Failures    int
	Successes   int
	LastFailure time.Time
}

// Snapshot returns the current bookkeeping.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		State:       cb.state,
		Failures:    cb.failures,
		Successes:   cb.successes,
		LastFailure: cb.lastFailure,
	}
}
