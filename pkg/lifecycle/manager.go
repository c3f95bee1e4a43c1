// Package lifecycle tracks resources allocated during a validation run and
// guarantees each one is cleaned up exactly once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Resource type tags used by the built-in helpers.
const (
	TypeTimer    = "timer"
	TypeInterval = "interval"
	TypeCloser   = "closer"
)

var (
	// ErrCleaning is returned by registrations attempted while a cleanup
	// is in progress.
	ErrCleaning = errors.New("lifecycle: cleanup in progress")
	// ErrScopeDisposed is returned by registrations on a disposed scope.
	ErrScopeDisposed = errors.New("lifecycle: scope disposed")
)

// CleanupFunc releases one resource.
type CleanupFunc func(ctx context.Context) error

// Handle identifies a tracked resource.
type Handle uint64

type entry struct {
	handle   Handle
	resource any
	typ      string
	cleanup  CleanupFunc
	scope    *Scope
}

// Manager is a registry of cleanup functions. The zero value is not usable;
// call NewManager.
type Manager struct {
	mu       sync.Mutex
	next     Handle
	entries  map[Handle]*entry
	scopes   int
	cleaning bool

	flight singleflight.Group
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "lifecycle")
		}
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries: make(map[Handle]*entry),
		clock:   time.Now,
		logger:  slog.Default().With("component", "lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register tracks resource with its cleanup function and type tag.
func (m *Manager) Register(resource any, cleanup CleanupFunc, typ string) (Handle, error) {
	return m.register(resource, cleanup, typ, nil)
}

// RegisterCloser tracks an io.Closer.
func (m *Manager) RegisterCloser(c io.Closer, typ string) (Handle, error) {
	if typ == "" {
		typ = TypeCloser
	}
	return m.Register(c, func(context.Context) error { return c.Close() }, typ)
}

func (m *Manager) register(resource any, cleanup CleanupFunc, typ string, scope *Scope) (Handle, error) {
	if cleanup == nil {
		return 0, fmt.Errorf("lifecycle: register %s: nil cleanup", typ)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleaning {
		return 0, ErrCleaning
	}
	if scope != nil && scope.disposed.Load() {
		return 0, ErrScopeDisposed
	}
	m.next++
	h := m.next
	m.entries[h] = &entry{handle: h, resource: resource, typ: typ, cleanup: cleanup, scope: scope}
	return h, nil
}

// Unregister stops tracking h without running its cleanup. It reports
// whether h was tracked.
func (m *Manager) Unregister(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[h]
	delete(m.entries, h)
	return ok
}

// Release runs the cleanup for h now and stops tracking it. Releasing an
// untracked handle is a no-op.
func (m *Manager) Release(ctx context.Context, h Handle) error {
	m.mu.Lock()
	e, ok := m.entries[h]
	delete(m.entries, h)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return invoke(ctx, e)
}

// CreateTimer runs fn once after d. The timer is tracked until it fires or
// is cleaned up.
func (m *Manager) CreateTimer(d time.Duration, fn func()) (Handle, error) {
	return m.createTimer(d, fn, nil)
}

func (m *Manager) createTimer(d time.Duration, fn func(), scope *Scope) (Handle, error) {
	var h Handle
	ready := make(chan struct{})
	t := time.AfterFunc(d, func() {
		<-ready
		if h == 0 || !m.Unregister(h) {
			return
		}
		fn()
	})
	h, err := m.register(t, func(context.Context) error {
		t.Stop()
		return nil
	}, TypeTimer, scope)
	if err != nil {
		t.Stop()
		close(ready)
		return 0, err
	}
	close(ready)
	return h, nil
}

// CreateInterval runs fn every d until cleaned up. Cleanup waits for an
// in-progress fn to return, bounded by the cleanup context.
func (m *Manager) CreateInterval(d time.Duration, fn func()) (Handle, error) {
	return m.createInterval(d, fn, nil)
}

func (m *Manager) createInterval(d time.Duration, fn func(), scope *Scope) (Handle, error) {
	if d <= 0 {
		return 0, fmt.Errorf("lifecycle: interval must be positive, got %s", d)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	var stopOnce sync.Once

	h, err := m.register(stop, func(ctx context.Context) error {
		stopOnce.Do(func() { close(stop) })
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("interval still running: %w", ctx.Err())
		}
	}, TypeInterval, scope)
	if err != nil {
		return 0, err
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return h, nil
}

// Stats is a snapshot of what the manager tracks.
type Stats struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
	Scopes int            `json:"scopes"`
}

// Stats reports tracked counts by type.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Total: len(m.entries), ByType: make(map[string]int), Scopes: m.scopes}
	for _, e := range m.entries {
		s.ByType[e.typ]++
	}
	return s
}

// CleanupFailure is one cleanup function that returned an error or
// panicked.
type CleanupFailure struct {
	Handle Handle
	Type   string
	Err    error
}

// CleanupReport summarizes one disposal.
type CleanupReport struct {
	Attempted int
	Failures  []CleanupFailure
	// Abandoned lists the types of cleanups still running when a forced
	// disposal hit its deadline.
	Abandoned []string
	Duration  time.Duration
}

// OK reports whether every cleanup completed without error.
func (r *CleanupReport) OK() bool {
	return len(r.Failures) == 0 && len(r.Abandoned) == 0
}

// Cleanup runs every tracked cleanup in reverse registration order.
// Failures are collected in the report and logged, never returned.
// Concurrent callers share one in-flight disposal. Tracking is cleared
// whatever the outcome, and the manager accepts registrations again once
// it returns.
func (m *Manager) Cleanup(ctx context.Context) *CleanupReport {
	v, _, _ := m.flight.Do("cleanup", func() (any, error) {
		return m.dispose(ctx, false), nil
	})
	return v.(*CleanupReport)
}

// ForceCleanup runs every tracked cleanup concurrently and returns when
// they finish or ctx is done, whichever comes first. Cleanups still running
// at the deadline are abandoned and listed in the report.
func (m *Manager) ForceCleanup(ctx context.Context) *CleanupReport {
	ch := m.flight.DoChan("cleanup", func() (any, error) {
		return m.dispose(ctx, true), nil
	})
	select {
	case r := <-ch:
		return r.Val.(*CleanupReport)
	case <-ctx.Done():
		return &CleanupReport{Abandoned: []string{"in-flight cleanup"}}
	}
}

func (m *Manager) dispose(ctx context.Context, force bool) *CleanupReport {
	m.mu.Lock()
	m.cleaning = true
	entries := m.takeLocked(nil)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.cleaning = false
		m.mu.Unlock()
	}()

	report := m.run(ctx, entries, force)
	m.logger.InfoContext(ctx, "cleanup finished",
		"attempted", report.Attempted,
		"failures", len(report.Failures),
		"abandoned", len(report.Abandoned),
		"forced", force,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report
}

// takeLocked removes and returns the entries owned by scope (all entries
// when scope is nil), newest first.
func (m *Manager) takeLocked(scope *Scope) []*entry {
	out := make([]*entry, 0, len(m.entries))
	for h, e := range m.entries {
		if scope != nil && e.scope != scope {
			continue
		}
		out = append(out, e)
		delete(m.entries, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].handle > out[j].handle })
	return out
}

func (m *Manager) run(ctx context.Context, entries []*entry, force bool) *CleanupReport {
	start := m.clock()
	report := &CleanupReport{Attempted: len(entries)}

	if !force {
		for _, e := range entries {
			if err := invoke(ctx, e); err != nil {
				report.Failures = append(report.Failures, m.failure(ctx, e, err))
			}
		}
		report.Duration = m.clock().Sub(start)
		return report
	}

	type outcome struct {
		i   int
		err error
	}
	results := make(chan outcome, len(entries))
	for i, e := range entries {
		go func() { results <- outcome{i: i, err: invoke(ctx, e)} }()
	}

	finished := make([]bool, len(entries))
	for range entries {
		select {
		case o := <-results:
			finished[o.i] = true
			if o.err != nil {
				report.Failures = append(report.Failures, m.failure(ctx, entries[o.i], o.err))
			}
		case <-ctx.Done():
			for i, ok := range finished {
				if !ok {
					report.Abandoned = append(report.Abandoned, entries[i].typ)
				}
			}
			m.logger.WarnContext(ctx, "abandoning cleanups at deadline", "abandoned", len(report.Abandoned))
			report.Duration = m.clock().Sub(start)
			return report
		}
	}
	report.Duration = m.clock().Sub(start)
	return report
}

func (m *Manager) failure(ctx context.Context, e *entry, err error) CleanupFailure {
	m.logger.WarnContext(ctx, "cleanup failed", "handle", uint64(e.handle), "type", e.typ, "error", err)
	return CleanupFailure{Handle: e.handle, Type: e.typ, Err: err}
}

func invoke(ctx context.Context, e *entry) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("cleanup panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	return e.cleanup(ctx)
}
