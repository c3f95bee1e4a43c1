package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

// MaxListeners caps how many SignalLifecycles may be started at once.
const MaxListeners = 10

// DefaultShutdownTimeout bounds the forced cleanup run on a signal.
const DefaultShutdownTimeout = 5 * time.Second

// ErrTooManyListeners is returned by Start when MaxListeners lifecycles are
// already started.
var ErrTooManyListeners = errors.New("lifecycle: too many signal listeners")

var listeners atomic.Int32

// ExitCode maps a termination signal to the conventional 128+n status.
func ExitCode(sig os.Signal) int {
	switch sig {
	case os.Interrupt:
		return 130
	case syscall.SIGTERM:
		return 143
	default:
		return 1
	}
}

// SignalLifecycle gives a Manager the chance to clean up before the
// process exits on SIGINT, SIGTERM or an unrecovered panic. Nothing is
// installed until Start is called.
type SignalLifecycle struct {
	manager *Manager
	timeout time.Duration
	notify  func(chan<- os.Signal, ...os.Signal)
	release func(chan<- os.Signal)
	exit    func(int)
	inTests bool
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	sigs    chan os.Signal
	done    chan struct{}
}

// SignalOption configures a SignalLifecycle.
type SignalOption func(*SignalLifecycle)

// WithShutdownTimeout bounds the forced cleanup.
func WithShutdownTimeout(d time.Duration) SignalOption {
	return func(l *SignalLifecycle) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithNotifier replaces signal.Notify and signal.Stop.
func WithNotifier(notify func(chan<- os.Signal, ...os.Signal), release func(chan<- os.Signal)) SignalOption {
	return func(l *SignalLifecycle) {
		l.notify = notify
		l.release = release
	}
}

// WithExit replaces os.Exit.
func WithExit(exit func(int)) SignalOption {
	return func(l *SignalLifecycle) { l.exit = exit }
}

// AllowInTests lets Start install handlers inside a test binary.
func AllowInTests() SignalOption {
	return func(l *SignalLifecycle) { l.inTests = true }
}

// NewSignalLifecycle binds a lifecycle to m.
func NewSignalLifecycle(m *Manager, opts ...SignalOption) *SignalLifecycle {
	l := &SignalLifecycle{
		manager: m,
		timeout: DefaultShutdownTimeout,
		notify:  signal.Notify,
		release: signal.Stop,
		exit:    os.Exit,
		logger:  m.logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start installs the signal handlers. It is a no-op when already started
// and inside go test unless AllowInTests was given.
func (l *SignalLifecycle) Start() error {
	if testing.Testing() && !l.inTests {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	if listeners.Add(1) > MaxListeners {
		listeners.Add(-1)
		return fmt.Errorf("%w (max %d)", ErrTooManyListeners, MaxListeners)
	}

	l.sigs = make(chan os.Signal, 1)
	l.done = make(chan struct{})
	l.notify(l.sigs, os.Interrupt, syscall.SIGTERM)
	l.started = true

	go l.wait(l.sigs, l.done)
	return nil
}

// Stop removes the handlers. Safe to call more than once.
func (l *SignalLifecycle) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	l.release(l.sigs)
	close(l.done)
	l.started = false
	listeners.Add(-1)
}

func (l *SignalLifecycle) wait(sigs <-chan os.Signal, done <-chan struct{}) {
	select {
	case <-done:
	case sig := <-sigs:
		l.logger.Warn("received signal, cleaning up", "signal", sig.String())
		l.shutdown(ExitCode(sig))
	}
}

// RecoverAndCleanup must be deferred directly by the entry point. On a
// panic it logs the value, runs a bounded forced cleanup and exits 1.
func (l *SignalLifecycle) RecoverAndCleanup() {
	rec := recover()
	if rec == nil {
		return
	}
	l.logger.Error("unhandled panic, cleaning up", "panic", rec, "stack", string(debug.Stack()))
	l.shutdown(1)
}

func (l *SignalLifecycle) shutdown(code int) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	report := l.manager.ForceCleanup(ctx)
	cancel()
	l.logger.Info("shutdown cleanup finished",
		"attempted", report.Attempted,
		"failures", len(report.Failures),
		"abandoned", len(report.Abandoned),
		"exit_code", code,
	)
	l.exit(code)
}
