package lifecycle

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Scope is an independently disposable subset of a Manager's resources.
// Everything registered through a scope is also tracked by the parent, so
// a parent Cleanup still reaches it.
type Scope struct {
	parent   *Manager
	disposed atomic.Bool
	once     sync.Once
	report   *CleanupReport
}

// CreateScope returns a new scope backed by m.
func (m *Manager) CreateScope() *Scope {
	m.mu.Lock()
	m.scopes++
	m.mu.Unlock()
	return &Scope{parent: m}
}

// Register tracks resource in the scope and its parent.
func (s *Scope) Register(resource any, cleanup CleanupFunc, typ string) (Handle, error) {
	return s.parent.register(resource, cleanup, typ, s)
}

// CreateTimer is Manager.CreateTimer bound to the scope.
func (s *Scope) CreateTimer(d time.Duration, fn func()) (Handle, error) {
	return s.parent.createTimer(d, fn, s)
}

// CreateInterval is Manager.CreateInterval bound to the scope.
func (s *Scope) CreateInterval(d time.Duration, fn func()) (Handle, error) {
	return s.parent.createInterval(d, fn, s)
}

// Disposed reports whether Dispose has been called.
func (s *Scope) Disposed() bool { return s.disposed.Load() }

// Dispose cleans up the scope's resources in reverse registration order
// and removes them from the parent. Only the first call does any work;
// later calls return the same report.
func (s *Scope) Dispose(ctx context.Context) *CleanupReport {
	s.once.Do(func() {
		m := s.parent
		m.mu.Lock()
		s.disposed.Store(true)
		entries := m.takeLocked(s)
		m.scopes--
		m.mu.Unlock()

		s.report = m.run(ctx, entries, false)
		if !s.report.OK() {
			m.logger.WarnContext(ctx, "scope disposed with failures", "failures", len(s.report.Failures))
		}
	})
	return s.report
}

// Run calls fn with a fresh scope that is disposed when fn returns, fails
// or panics. A panic is re-raised after disposal.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, s *Scope) error) (err error) {
	s := m.CreateScope()
	defer func() {
		rec := recover()
		s.Dispose(context.WithoutCancel(ctx))
		if rec != nil {
			m.logger.ErrorContext(ctx, "scoped run panicked", "panic", rec, "stack", string(debug.Stack()))
			panic(rec)
		}
	}()
	return fn(ctx, s)
}
