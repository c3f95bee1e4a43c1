package lifecycle

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignals struct {
	mu       sync.Mutex
	ch       chan<- os.Signal
	notified int
	released int
}

func (f *fakeSignals) notify(ch chan<- os.Signal, _ ...os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = ch
	f.notified++
}

func (f *fakeSignals) release(chan<- os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeSignals) send(sig os.Signal) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- sig
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 130, ExitCode(os.Interrupt))
	assert.Equal(t, 143, ExitCode(syscall.SIGTERM))
	assert.Equal(t, 1, ExitCode(syscall.SIGHUP))
}

func TestSignalLifecycle_NoopInTests(t *testing.T) {
	fs := &fakeSignals{}
	l := NewSignalLifecycle(NewManager(), WithNotifier(fs.notify, fs.release))
	require.NoError(t, l.Start())
	l.Stop()
	assert.Zero(t, fs.notified)
	assert.Zero(t, fs.released)
}

func TestSignalLifecycle_CleansUpAndExitsOnSignal(t *testing.T) {
	m := NewManager()
	var cleaned atomic.Bool
	_, _ = m.Register(nil, func(context.Context) error { cleaned.Store(true); return nil }, "res")

	fs := &fakeSignals{}
	exited := make(chan int, 1)
	l := NewSignalLifecycle(m,
		AllowInTests(),
		WithNotifier(fs.notify, fs.release),
		WithExit(func(code int) { exited <- code }),
		WithShutdownTimeout(time.Second),
	)
	require.NoError(t, l.Start())
	defer l.Stop()
	require.NoError(t, l.Start(), "second start is a no-op")
	assert.Equal(t, 1, fs.notified)

	fs.send(syscall.SIGTERM)
	select {
	case code := <-exited:
		assert.Equal(t, 143, code)
	case <-time.After(2 * time.Second):
		t.Fatal("lifecycle did not exit")
	}
	assert.True(t, cleaned.Load())
}

func TestSignalLifecycle_ListenerCap(t *testing.T) {
	var started []*SignalLifecycle
	defer func() {
		for _, l := range started {
			l.Stop()
		}
	}()

	fs := &fakeSignals{}
	for range MaxListeners {
		l := NewSignalLifecycle(NewManager(), AllowInTests(), WithNotifier(fs.notify, fs.release))
		require.NoError(t, l.Start())
		started = append(started, l)
	}

	extra := NewSignalLifecycle(NewManager(), AllowInTests(), WithNotifier(fs.notify, fs.release))
	assert.ErrorIs(t, extra.Start(), ErrTooManyListeners)

	started[0].Stop()
	require.NoError(t, extra.Start(), "stopping one frees a slot")
	started[0] = extra
}

func TestRecoverAndCleanup(t *testing.T) {
	m := NewManager()
	var cleaned atomic.Bool
	_, _ = m.Register(nil, func(context.Context) error { cleaned.Store(true); return nil }, "res")

	var code atomic.Int32
	code.Store(-1)
	l := NewSignalLifecycle(m, WithExit(func(c int) { code.Store(int32(c)) }))

	func() {
		defer l.RecoverAndCleanup()
		panic("unhandled")
	}()
	assert.Equal(t, int32(1), code.Load())
	assert.True(t, cleaned.Load())

	code.Store(-1)
	func() { defer l.RecoverAndCleanup() }()
	assert.Equal(t, int32(-1), code.Load(), "no panic, no exit")
}
