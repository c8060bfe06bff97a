package signals

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/procd/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingNotify records subscriptions without touching the real OS handlers.
type countingNotify struct {
	mu    sync.Mutex
	calls map[os.Signal]int
}

func (c *countingNotify) notify(_ chan<- os.Signal, sig ...os.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range sig {
		c.calls[s]++
	}
}

func (c *countingNotify) stop(chan<- os.Signal) {}

func newStubRegistry(t *testing.T) (*Registry, *countingNotify) {
	t.Helper()
	cn := &countingNotify{calls: map[os.Signal]int{}}
	r := New(WithNotify(cn.notify, cn.stop))
	t.Cleanup(r.Close)
	return r, cn
}

func TestHigherPriorityRunsFirst(t *testing.T) {
	r, _ := newStubRegistry(t)
	var order []int
	require.NoError(t, r.Register(syscall.SIGUSR1, func() { order = append(order, 1) }, 1))
	require.NoError(t, r.Register(syscall.SIGUSR1, func() { order = append(order, 5) }, 5))

	r.Handle(syscall.SIGUSR1)
	assert.Equal(t, []int{5, 1}, order)
}

func TestEqualPriorityKeepsRegistrationOrder(t *testing.T) {
	r, _ := newStubRegistry(t)
	var order []string
	require.NoError(t, r.Register(syscall.SIGUSR2, func() { order = append(order, "a") }, 0))
	require.NoError(t, r.Register(syscall.SIGUSR2, func() { order = append(order, "b") }, 0))
	require.NoError(t, r.Register(syscall.SIGUSR2, func() { order = append(order, "high") }, 3))
	require.NoError(t, r.Register(syscall.SIGUSR2, func() { order = append(order, "c") }, 0))
	require.NoError(t, r.Register(syscall.SIGUSR2, func() { order = append(order, "low") }, -2))

	r.Handle(syscall.SIGUSR2)
	assert.Equal(t, []string{"high", "a", "b", "c", "low"}, order)
}

func TestSubscribesOncePerSignal(t *testing.T) {
	r, cn := newStubRegistry(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Register(syscall.SIGHUP, func() {}, i))
	}
	require.NoError(t, r.Register(syscall.SIGTERM, func() {}, 0))

	assert.Equal(t, 1, cn.calls[syscall.SIGHUP])
	assert.Equal(t, 1, cn.calls[syscall.SIGTERM])
	assert.True(t, r.Subscribed(syscall.SIGHUP))
	assert.False(t, r.Subscribed(syscall.SIGUSR1))
	assert.Equal(t, 3, r.Len(syscall.SIGHUP))
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	r, cn := newStubRegistry(t)
	for _, sig := range []syscall.Signal{0, -1, 65, syscall.SIGKILL, syscall.SIGSTOP} {
		err := r.Register(sig, func() {}, 0)
		assert.ErrorIs(t, err, faults.ErrInvalidConfig, "signal %d", int(sig))
	}
	assert.ErrorIs(t, r.Register(syscall.SIGUSR1, nil, 0), faults.ErrInvalidConfig)
	assert.Empty(t, cn.calls)
}

func TestHandleWithoutCallbacksIsNoop(t *testing.T) {
	r, _ := newStubRegistry(t)
	assert.NotPanics(t, func() { r.Handle(syscall.SIGUSR1) })
}

func TestTickDrainsQueueInArrivalOrder(t *testing.T) {
	r, _ := newStubRegistry(t)
	var got []syscall.Signal
	require.NoError(t, r.Register(syscall.SIGTERM, func() { got = append(got, syscall.SIGTERM) }, 0))
	require.NoError(t, r.Register(syscall.SIGHUP, func() { got = append(got, syscall.SIGHUP) }, 0))

	r.Inject(syscall.SIGHUP)
	r.Inject(syscall.SIGTERM)
	assert.Equal(t, 2, r.Pending())
	assert.Empty(t, got, "callbacks must wait for the checkpoint")

	assert.Equal(t, 2, r.Tick())
	assert.Equal(t, []syscall.Signal{syscall.SIGHUP, syscall.SIGTERM}, got)
	assert.Equal(t, 0, r.Tick())
}

func TestOnArrivalRunsBeforeCheckpoint(t *testing.T) {
	r, _ := newStubRegistry(t)
	var arrived atomic.Int32
	handled := false
	r.OnArrival(func(os.Signal) { arrived.Add(1) })
	require.NoError(t, r.Register(syscall.SIGUSR1, func() { handled = true }, 0))

	r.Inject(syscall.SIGUSR1)
	assert.Equal(t, int32(1), arrived.Load())
	assert.False(t, handled)
	r.Tick()
	assert.True(t, handled)
}

func TestRealSignalDelivery(t *testing.T) {
	r := New()
	defer r.Close()
	var hits atomic.Int32
	require.NoError(t, r.Register(syscall.SIGUSR1, func() { hits.Add(1) }, 0))

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	require.Eventually(t, func() bool { return r.Pending() > 0 }, 2*time.Second, 5*time.Millisecond)
	r.Tick()
	assert.Equal(t, int32(1), hits.Load())
}

func TestClosedRegistryRejectsRegistration(t *testing.T) {
	r, _ := newStubRegistry(t)
	r.Close()
	assert.ErrorIs(t, r.Register(syscall.SIGUSR1, func() {}, 0), faults.ErrInvalidConfig)
	r.Inject(syscall.SIGUSR1)
	assert.Equal(t, 0, r.Pending())
}
