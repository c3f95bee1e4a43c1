package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(order *[]string, mu *sync.Mutex, name string, err error) CleanupFunc {
	return func(context.Context) error {
		mu.Lock()
		*order = append(*order, name)
		mu.Unlock()
		return err
	}
}

func TestCleanup_ReverseOrderAndToleratesFailures(t *testing.T) {
	m := NewManager()
	var (
		mu    sync.Mutex
		order []string
	)
	_, err := m.Register("db", record(&order, &mu, "db", nil), "conn")
	require.NoError(t, err)
	_, err = m.Register("file", record(&order, &mu, "file", errors.New("close failed")), "file")
	require.NoError(t, err)
	_, err = m.Register("boom", func(context.Context) error { panic("bad cleanup") }, "custom")
	require.NoError(t, err)
	_, err = m.Register("cache", record(&order, &mu, "cache", nil), "cache")
	require.NoError(t, err)

	report := m.Cleanup(context.Background())
	assert.Equal(t, []string{"cache", "file", "db"}, order)
	assert.Equal(t, 4, report.Attempted)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, "custom", report.Failures[0].Type)
	assert.Contains(t, report.Failures[0].Err.Error(), "bad cleanup")
	assert.Equal(t, "file", report.Failures[1].Type)
	assert.False(t, report.OK())
	assert.Zero(t, m.Stats().Total, "tracking is cleared even after failures")
}

func TestCleanup_ConcurrentCallsRunEachCleanupOnce(t *testing.T) {
	m := NewManager()
	counts := make([]atomic.Int32, 50)
	for i := range counts {
		_, err := m.Register(i, func(context.Context) error {
			counts[i].Add(1)
			time.Sleep(time.Millisecond)
			return nil
		}, "res")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			m.Cleanup(context.Background())
		}()
	}
	close(start)
	wg.Wait()

	for i := range counts {
		assert.Equal(t, int32(1), counts[i].Load(), "cleanup %d", i)
	}
}

func TestRegister_RejectedWhileCleaning(t *testing.T) {
	m := NewManager()
	var lateErr error
	_, err := m.Register(nil, func(context.Context) error {
		_, lateErr = m.Register("late", func(context.Context) error { return nil }, "res")
		return nil
	}, "res")
	require.NoError(t, err)

	m.Cleanup(context.Background())
	assert.ErrorIs(t, lateErr, ErrCleaning)

	_, err = m.Register("after", func(context.Context) error { return nil }, "res")
	assert.NoError(t, err, "registrations resume once cleanup returns")
}

func TestRegister_NilCleanup(t *testing.T) {
	_, err := NewManager().Register("x", nil, "res")
	assert.Error(t, err)
}

func TestUnregisterAndRelease(t *testing.T) {
	m := NewManager()
	var ran atomic.Int32
	cleanup := func(context.Context) error { ran.Add(1); return nil }

	h1, _ := m.Register("a", cleanup, "res")
	h2, _ := m.Register("b", cleanup, "res")

	assert.True(t, m.Unregister(h1))
	assert.False(t, m.Unregister(h1))
	require.NoError(t, m.Release(context.Background(), h2))
	require.NoError(t, m.Release(context.Background(), h2))
	assert.Equal(t, int32(1), ran.Load())

	m.Cleanup(context.Background())
	assert.Equal(t, int32(1), ran.Load())
}

func TestForceCleanup_AbandonsStragglers(t *testing.T) {
	m := NewManager()
	block := make(chan struct{})
	defer close(block)

	var quick atomic.Bool
	_, _ = m.Register("stuck", func(context.Context) error { <-block; return nil }, "stuck")
	_, _ = m.Register("quick", func(context.Context) error { quick.Store(true); return nil }, "quick")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report := m.ForceCleanup(ctx)

	assert.False(t, report.OK())
	assert.NotEmpty(t, report.Abandoned)
	assert.True(t, quick.Load())
	assert.Zero(t, m.Stats().Total)
}

func TestForceCleanup_RunsConcurrently(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	wg.Add(3)
	for range 3 {
		// Each cleanup waits for the others; sequential execution would deadlock.
		_, _ = m.Register(nil, func(context.Context) error {
			wg.Done()
			wg.Wait()
			return nil
		}, "peer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report := m.ForceCleanup(ctx)
	assert.True(t, report.OK())
	assert.Equal(t, 3, report.Attempted)
}

func TestCreateTimer_FiresOnceAndUntracks(t *testing.T) {
	m := NewManager()
	fired := make(chan struct{}, 1)
	_, err := m.CreateTimer(5*time.Millisecond, func() { fired <- struct{}{} })
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Zero(t, m.Stats().Total)
}

func TestCreateTimer_CancelledByCleanup(t *testing.T) {
	m := NewManager()
	var fired atomic.Bool
	_, err := m.CreateTimer(20*time.Millisecond, func() { fired.Store(true) })
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().ByType[TypeTimer])

	m.Cleanup(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestCreateInterval_StopsOnCleanup(t *testing.T) {
	m := NewManager()
	var ticks atomic.Int32
	_, err := m.CreateInterval(2*time.Millisecond, func() { ticks.Add(1) })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, 2*time.Second, time.Millisecond)
	report := m.Cleanup(context.Background())
	require.True(t, report.OK())

	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())

	_, err = m.CreateInterval(0, func() {})
	assert.Error(t, err)
}

func TestScope_DisposeOnlyTouchesItsResources(t *testing.T) {
	m := NewManager()
	var (
		mu    sync.Mutex
		order []string
	)
	_, _ = m.Register("root", record(&order, &mu, "root", nil), "res")

	s := m.CreateScope()
	_, err := s.Register("a", record(&order, &mu, "a", nil), "res")
	require.NoError(t, err)
	_, err = s.Register("b", record(&order, &mu, "b", nil), "res")
	require.NoError(t, err)
	_, err = s.CreateTimer(time.Hour, func() {})
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 4, stats.Total, "scope registrations are visible in the parent")
	assert.Equal(t, 1, stats.Scopes)

	report := s.Dispose(context.Background())
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, []string{"b", "a"}, order)
	assert.Same(t, report, s.Dispose(context.Background()), "dispose is idempotent")
	assert.True(t, s.Disposed())

	stats = m.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Zero(t, stats.Scopes)

	_, err = s.Register("late", func(context.Context) error { return nil }, "res")
	assert.ErrorIs(t, err, ErrScopeDisposed)

	m.Cleanup(context.Background())
	assert.Equal(t, []string{"b", "a", "root"}, order)
}

func TestScope_ParentCleanupReachesScopedResources(t *testing.T) {
	m := NewManager()
	var ran atomic.Int32
	s := m.CreateScope()
	_, _ = s.Register(nil, func(context.Context) error { ran.Add(1); return nil }, "res")

	m.Cleanup(context.Background())
	report := s.Dispose(context.Background())
	assert.Zero(t, report.Attempted)
	assert.Equal(t, int32(1), ran.Load())
}

func TestRun_DisposesOnReturnErrorAndPanic(t *testing.T) {
	m := NewManager()
	var ran atomic.Int32
	track := func(_ context.Context, s *Scope) {
		_, err := s.Register(nil, func(context.Context) error { ran.Add(1); return nil }, "res")
		require.NoError(t, err)
	}

	require.NoError(t, m.Run(context.Background(), func(ctx context.Context, s *Scope) error {
		track(ctx, s)
		return nil
	}))

	errFailed := errors.New("failed")
	err := m.Run(context.Background(), func(ctx context.Context, s *Scope) error {
		track(ctx, s)
		return errFailed
	})
	assert.ErrorIs(t, err, errFailed)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = m.Run(context.Background(), func(ctx context.Context, s *Scope) error {
			track(ctx, s)
			panic("kaboom")
		})
	})

	assert.Equal(t, int32(3), ran.Load())
	assert.Zero(t, m.Stats().Total)
}
