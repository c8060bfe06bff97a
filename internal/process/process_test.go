package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/procd/internal/control"
	"github.com/loykin/procd/internal/faults"
	"github.com/loykin/procd/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startT(t *testing.T, h *Handle) int {
	t.Helper()
	pid, err := h.Start(context.Background())
	require.NoError(t, err)
	require.Greater(t, pid, 0)
	t.Cleanup(func() {
		if h.IsRunning() {
			_ = h.Kill()
			_, _ = h.Wait(true)
		}
		_ = h.Close()
	})
	return pid
}

func readFileEventually(t *testing.T, path string) string {
	t.Helper()
	var data []byte
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(path)
		if err != nil || len(b) == 0 {
			return false
		}
		data = b
		return true
	}, 10*time.Second, 10*time.Millisecond)
	return string(data)
}

func TestStartChildSeesOwnPID(t *testing.T) {
	out := filepath.Join(t.TempDir(), "pid")
	h := New("test-record-pid", WithOptions(map[string]string{"out": out}))
	pid := startT(t, h)

	st, err := h.Wait(true)
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.True(t, st.Exited)
	assert.Equal(t, ExitNormal, st.Code)
	assert.Equal(t, strconv.Itoa(pid), readFileEventually(t, out))
	assert.Equal(t, pid, h.PID())
	assert.False(t, h.IsRunning())
}

func TestStartRecordsPIDInControlAndClearsOnExit(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "sleeper.pid")
	h := New("test-sleeper", WithControlDSN("pidfile://"+pidPath))
	pid := startT(t, h)

	assert.Equal(t, strconv.Itoa(pid), readFileEventually(t, pidPath))

	require.NoError(t, h.Stop())
	st, err := h.Wait(true)
	require.NoError(t, err)
	assert.Equal(t, ExitNormal, st.Code)
	_, statErr := os.Stat(pidPath)
	assert.True(t, os.IsNotExist(statErr), "record must be cleared on normal exit")
}

func TestStartRefusesWhenControlReportsRunning(t *testing.T) {
	ctx := context.Background()
	ctl := control.NewMemory(t.Name())
	require.NoError(t, ctl.SetPID(ctx, os.Getpid()))
	t.Cleanup(func() { _ = ctl.Clear(ctx) })

	h := New("test-sleeper", WithControl(ctl))
	pid, err := h.Start(ctx)
	require.Error(t, err)
	assert.Zero(t, pid)
	assert.True(t, errors.Is(err, faults.ErrAlreadyRunning))
	got, ok := faults.PIDOf(err)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), got)
	assert.False(t, h.HasPID(), "no process may be created")
}

func TestStartTwiceOnSameHandle(t *testing.T) {
	h := New("test-sleeper")
	startT(t, h)
	_, err := h.Start(context.Background())
	assert.True(t, errors.Is(err, faults.ErrAlreadyRunning))
}

func TestStartUnregisteredTask(t *testing.T) {
	_, err := New("no-such-task").Start(context.Background())
	assert.True(t, errors.Is(err, faults.ErrInvalidConfig))
}

func TestFaultAndPanicExitWithFaultCode(t *testing.T) {
	for _, task := range []string{"test-fault", "test-panic"} {
		t.Run(task, func(t *testing.T) {
			h := New(task)
			startT(t, h)
			st, err := h.Wait(true)
			require.NoError(t, err)
			assert.True(t, st.Exited)
			assert.Equal(t, ExitFault, st.Code)
		})
	}
}

func TestTaskExitCodePropagates(t *testing.T) {
	h := New("test-exit-code", WithOptions(map[string]string{"code": "3"}))
	startT(t, h)
	st, err := h.Wait(true)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Code)
	assert.Equal(t, "exit 3", st.String())
}

func TestWaitNonBlockingWhileRunning(t *testing.T) {
	h := New("test-sleeper")
	startT(t, h)

	st, err := h.Wait(false)
	require.NoError(t, err)
	assert.False(t, st.Done)
	assert.True(t, h.IsRunning())

	require.NoError(t, h.Kill())
	st, err = h.Wait(true)
	require.NoError(t, err)
	assert.True(t, st.Signaled)
	assert.Equal(t, syscall.SIGKILL, st.Signal)
}

func TestIsRunningFalseForExitedChildBeforeWait(t *testing.T) {
	h := New("test-exit-code", WithOptions(map[string]string{"code": "0"}))
	startT(t, h)

	require.Eventually(t, func() bool { return !h.IsRunning() }, 10*time.Second, 10*time.Millisecond)
	st, err := h.Wait(false)
	require.NoError(t, err)
	assert.True(t, st.Done, "status reaped by IsRunning must be kept for Wait")
	assert.Equal(t, 0, st.Code)
}

func TestRestartTimeoutDoesNotStart(t *testing.T) {
	ready := filepath.Join(t.TempDir(), "ready")
	h := New("test-ignore-term",
		WithOptions(map[string]string{"ready": ready}),
		WithPollInterval(5*time.Millisecond))
	pid := startT(t, h)
	readFileEventually(t, ready)

	newPID, err := h.Restart(context.Background(), 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrTimeout))
	got, ok := faults.PIDOf(err)
	require.True(t, ok)
	assert.Equal(t, pid, got)
	assert.Zero(t, newPID)
	assert.Equal(t, pid, h.PID(), "identity must be unchanged after a timeout")
	assert.True(t, h.IsRunning())
}

func TestRestartReplacesProcess(t *testing.T) {
	h := New("test-sleeper", WithPollInterval(10*time.Millisecond))
	old := startT(t, h)

	pid, err := h.Restart(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, old, pid)
	assert.Equal(t, pid, h.PID())
	assert.True(t, h.IsRunning())
}

func TestRestartWhenNothingRunningStarts(t *testing.T) {
	h := New("test-sleeper")
	t.Cleanup(func() {
		_ = h.Kill()
		_, _ = h.Wait(true)
	})
	pid, err := h.Restart(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, pid, h.PID())
}

func TestRestartHonoursContext(t *testing.T) {
	ready := filepath.Join(t.TempDir(), "ready")
	h := New("test-ignore-term",
		WithOptions(map[string]string{"ready": ready}),
		WithPollInterval(5*time.Millisecond))
	startT(t, h)
	readFileEventually(t, ready)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.Restart(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAttach(t *testing.T) {
	self := Attach(os.Getpid())
	t.Cleanup(func() { _ = self.Close() })
	assert.True(t, self.IsRunning())
	assert.Equal(t, os.Getpid(), self.PID())

	_, err := self.Wait(false)
	assert.True(t, errors.Is(err, faults.ErrPosix), "only own children can be waited for")
}

func TestRestartAttachedHandleLeavesProcessRunning(t *testing.T) {
	h := New("test-sleeper")
	pid := startT(t, h)

	a := Attach(pid)
	t.Cleanup(func() { _ = a.Close() })
	_, err := a.Restart(context.Background(), 5*time.Second)
	assert.ErrorIs(t, err, faults.ErrInvalidConfig)
	assert.True(t, h.IsRunning(), "a failed restart must not stop the process")
	assert.Equal(t, pid, a.PID())
}

func TestStartRefusesAdoptedLiveProcess(t *testing.T) {
	h := New("test-sleeper")
	pid := startT(t, h)

	adopted := New("test-sleeper", WithPID(pid), WithPollInterval(10*time.Millisecond))
	_, err := adopted.Start(context.Background())
	var already *faults.AlreadyRunningError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, pid, already.PID)
	assert.Equal(t, pid, adopted.PID())

	next, err := adopted.Restart(context.Background(), 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = adopted.Kill()
		_, _ = adopted.Wait(true)
		_ = adopted.Close()
	})
	assert.NotEqual(t, pid, next)
	assert.True(t, adopted.IsRunning())
}

type slowSink struct {
	mu     sync.Mutex
	delay  time.Duration
	events []history.Event
}

func (s *slowSink) Send(_ context.Context, e history.Event) error {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *slowSink) Events() []history.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.Event{}, s.events...)
}

func TestStartDeliversHistoryBeforeReturning(t *testing.T) {
	sink := &slowSink{delay: 20 * time.Millisecond}
	h := New("test-sleeper", WithHistory(sink))
	pid := startT(t, h)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, history.EventStart, events[0].Type)
	assert.Equal(t, pid, events[0].PID)
	assert.Equal(t, h.RunID(), events[0].RunID)
	assert.Equal(t, "test-sleeper", events[0].Detail)
}

func TestSignalWithoutIdentity(t *testing.T) {
	h := New("test-sleeper")
	t.Cleanup(func() { _ = h.Close() })
	assert.False(t, h.HasPID())
	assert.False(t, h.IsRunning())
	assert.ErrorIs(t, h.Stop(), faults.ErrNotRunning)
	assert.ErrorIs(t, h.Hup(), faults.ErrNotRunning)
	_, err := h.Wait(true)
	assert.ErrorIs(t, err, faults.ErrNotRunning)
}

func TestRegisterOrderingAndChaining(t *testing.T) {
	h := New("")
	t.Cleanup(func() { _ = h.Close() })
	var got []string
	add := func(s string) func() { return func() { got = append(got, s) } }

	h.MustRegister(syscall.SIGUSR1, add("low"), 1).
		MustRegister(syscall.SIGUSR1, add("high-a"), 5).
		MustRegister(syscall.SIGUSR1, add("high-b"), 5).
		MustRegister(syscall.SIGUSR1, add("mid"), 3)

	h.Handle(syscall.SIGUSR1)
	assert.Equal(t, "high-a,high-b,mid,low", strings.Join(got, ","))

	got = nil
	h.Handle(syscall.SIGUSR2)
	assert.Empty(t, got)
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	h := New("")
	t.Cleanup(func() { _ = h.Close() })
	_, err := h.Register(0, func() {}, 0)
	assert.ErrorIs(t, err, faults.ErrInvalidConfig)
	_, err = h.Register(syscall.SIGUSR1, nil, 0)
	assert.ErrorIs(t, err, faults.ErrInvalidConfig)
	assert.Panics(t, func() { h.MustRegister(99, func() {}, 0) })
}

func TestInjectedSignalsRunOnlyAtTick(t *testing.T) {
	h := New("")
	t.Cleanup(func() { _ = h.Close() })
	var order []syscall.Signal
	h.MustRegister(syscall.SIGHUP, func() { order = append(order, syscall.SIGHUP) }, 0)
	h.MustRegister(syscall.SIGTERM, func() { order = append(order, syscall.SIGTERM) }, 0)

	h.Inject(syscall.SIGHUP)
	h.Inject(syscall.SIGTERM)
	assert.Empty(t, order)
	assert.Equal(t, 2, h.Tick())
	assert.Equal(t, []syscall.Signal{syscall.SIGHUP, syscall.SIGTERM}, order)
}

func TestPauseWakesOnArrival(t *testing.T) {
	h := New("")
	t.Cleanup(func() { _ = h.Close() })
	h.MustRegister(syscall.SIGUSR2, func() {}, 0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Inject(syscall.SIGUSR2)
	}()
	start := time.Now()
	require.NoError(t, h.Pause(context.Background(), 10*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunInlineRecordsAndClears(t *testing.T) {
	ctx := context.Background()
	ctl := control.NewMemory(t.Name())
	var seen int
	code := RunInline(ctx, Func(func(ctx context.Context, h *Handle) error {
		pid, err := ctl.PID(ctx)
		seen = pid
		return err
	}), WithControl(ctl), WithRole("inline"))

	assert.Equal(t, ExitNormal, code)
	assert.Equal(t, os.Getpid(), seen)
	running, err := ctl.IsRunning(ctx)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestRunInlineFault(t *testing.T) {
	code := RunInline(context.Background(), Func(func(context.Context, *Handle) error {
		return errors.New("nope")
	}))
	assert.Equal(t, ExitFault, code)
	assert.True(t, IsFault(code))
}

func TestRegisterTaskRejectsDuplicates(t *testing.T) {
	assert.Panics(t, func() {
		RegisterTask("test-fault", func(map[string]string) (Task, error) { return nil, nil })
	})
	assert.Panics(t, func() { RegisterTask("", nil) })
	assert.Contains(t, Tasks(), "test-sleeper")
}

func TestChildEnvDropsInheritedRecord(t *testing.T) {
	t.Setenv(ChildEnv, `{"task":"x"}`)
	env := childEnv([]string{"A=1"}, `{"task":"y"}`)
	var records []string
	for _, kv := range env {
		if strings.HasPrefix(kv, ChildEnv+"=") {
			records = append(records, kv)
		}
	}
	assert.Equal(t, []string{ChildEnv + `={"task":"y"}`}, records)
	assert.Contains(t, env, "A=1")
}

func TestChildEnvLaterEntriesWin(t *testing.T) {
	t.Setenv("PROCD_TEST_OVERRIDE", "inherited")
	env := childEnv([]string{"PROCD_TEST_OVERRIDE=explicit"}, "{}")
	var got []string
	for _, kv := range env {
		if strings.HasPrefix(kv, "PROCD_TEST_OVERRIDE=") {
			got = append(got, kv)
		}
	}
	assert.Equal(t, []string{"PROCD_TEST_OVERRIDE=explicit"}, got)
}
