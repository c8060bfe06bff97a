// Package process creates, tracks and signals a child OS process.
//
// Go cannot fork, so a child is the current executable re-executed with a JSON child record
// in the PROCD_CHILD environment variable. Programs must call Init first thing in main (and
// in TestMain); in a child it runs the registered task body and exits.
//
// OS signals are delivered through a per-handle signals.Registry and dispatched only at
// checkpoints (Handle.Tick), never asynchronously.
package process

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/procd/internal/control"
	"github.com/loykin/procd/internal/detector"
	"github.com/loykin/procd/internal/faults"
	"github.com/loykin/procd/internal/history"
	"github.com/loykin/procd/internal/metrics"
	"github.com/loykin/procd/internal/signals"
)

// DefaultPollInterval is how often Restart re-checks that the old process is gone.
const DefaultPollInterval = time.Second

// Handle controls one OS process identity (or none).
type Handle struct {
	mu sync.Mutex

	task    string
	role    string
	pid     int
	owned   bool // pid is a child started by this handle and may be reaped
	reaped  bool
	exit    ExitStatus
	runID   string
	ctlOwns bool

	control    control.Strategy
	controlDSN string
	historyDSN string
	hist       history.Sink
	logger     *slog.Logger

	args    []string
	env     []string
	options map[string]string
	poll    time.Duration
	stdout  io.Writer
	stderr  io.Writer

	registry *signals.Registry
	wake     chan struct{}
}

// Option configures a Handle.
type Option func(*Handle)

// WithControl attaches a ControlStrategy consulted by Start.
func WithControl(s control.Strategy) Option { return func(h *Handle) { h.control = s } }

// WithControlDSN names the control location; the child rebuilds its strategy from it. When no
// strategy is attached the parent builds one from the DSN on first use.
func WithControlDSN(dsn string) Option { return func(h *Handle) { h.controlDSN = dsn } }

// WithRole names the role recorded in the control store. It defaults to the task name.
func WithRole(role string) Option { return func(h *Handle) { h.role = role } }

// WithLogger sets the handle's logger. A role attribute is added; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handle) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithPID adopts an already running process the handle did not start. It can be signalled
// but not waited for, and restarted when the handle has a task.
func WithPID(pid int) Option {
	return func(h *Handle) {
		if pid > 0 {
			h.pid = pid
		}
	}
}

// WithHistory sends lifecycle events observed by this handle to s.
func WithHistory(s history.Sink) Option { return func(h *Handle) { h.hist = s } }

// WithHistoryDSN is passed to the child, which opens its own history sink from it.
func WithHistoryDSN(dsn string) Option { return func(h *Handle) { h.historyDSN = dsn } }

// WithArgs sets extra command line arguments for the re-executed binary.
func WithArgs(args []string) Option { return func(h *Handle) { h.args = args } }

// WithEnv adds KEY=VALUE entries to the child's environment.
func WithEnv(env []string) Option { return func(h *Handle) { h.env = env } }

// WithPollInterval sets the Restart poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(h *Handle) {
		if d > 0 {
			h.poll = d
		}
	}
}

// WithOptions sets the free-form options handed to the task factory in the child.
func WithOptions(opts map[string]string) Option { return func(h *Handle) { h.options = opts } }

// WithStdio sets the child's stdout and stderr. Nil means the null device.
func WithStdio(stdout, stderr io.Writer) Option {
	return func(h *Handle) { h.stdout, h.stderr = stdout, stderr }
}

// New returns a handle for the registered task name, with no process yet.
func New(task string, opts ...Option) *Handle {
	h := &Handle{task: task, poll: DefaultPollInterval, logger: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	if h.role == "" {
		h.role = task
	}
	h.logger = h.logger.With("role", h.role)
	h.registry = signals.New(signals.WithLogger(h.logger))
	h.wake = make(chan struct{}, 1)
	h.registry.OnArrival(func(os.Signal) {
		select {
		case h.wake <- struct{}{}:
		default:
		}
	})
	return h
}

// Attach returns a handle controlling an already running process it did not start. It has no
// task, so Start and Restart fail with ErrInvalidConfig; use New(task, WithPID(pid)) to adopt
// a process that may be restarted.
func Attach(pid int, opts ...Option) *Handle {
	return New("", append(opts, WithPID(pid))...)
}

// PID returns the process identity or 0 when absent.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// HasPID reports whether the handle has a process identity.
func (h *Handle) HasPID() bool { return h.PID() != 0 }

// Role returns the role name used for control records, metrics and history.
func (h *Handle) Role() string { return h.role }

// RunID identifies the current start; it is empty until Start (or in an attached handle).
func (h *Handle) RunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}

// Options returns the task options carried by the handle.
func (h *Handle) Options() map[string]string { return h.options }

// Logger returns the handle's logger.
func (h *Handle) Logger() *slog.Logger { return h.logger }

// Control returns the attached ControlStrategy, building it from the DSN when needed.
func (h *Handle) Control(ctx context.Context) (control.Strategy, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controlLocked(ctx)
}

func (h *Handle) controlLocked(ctx context.Context) (control.Strategy, error) {
	if h.control != nil || h.controlDSN == "" {
		return h.control, nil
	}
	c, err := control.FromDSN(ctx, h.controlDSN, h.role, control.WithLogger(h.logger))
	if err != nil {
		return nil, err
	}
	h.control, h.ctlOwns = c, true
	return c, nil
}

// Register adds callback for sig at priority and returns the handle for chaining.
// The OS subscription for sig is installed on first registration.
func (h *Handle) Register(sig syscall.Signal, callback func(), priority int) (*Handle, error) {
	if err := h.registry.Register(sig, callback, priority); err != nil {
		return h, err
	}
	return h, nil
}

// MustRegister is like Register but panics on invalid input.
func (h *Handle) MustRegister(sig syscall.Signal, callback func(), priority int) *Handle {
	if _, err := h.Register(sig, callback, priority); err != nil {
		panic(err)
	}
	return h
}

// Handle synchronously invokes the callbacks registered for sig in priority order.
func (h *Handle) Handle(sig syscall.Signal) { h.registry.Handle(sig) }

// Tick is the checkpoint: queued deliveries are dispatched here, in arrival order.
func (h *Handle) Tick() int { return h.registry.Tick() }

// Inject queues sig for the next checkpoint as if the OS had delivered it.
func (h *Handle) Inject(sig syscall.Signal) { h.registry.Inject(sig) }

// OnArrival registers a hook run as soon as any subscribed signal arrives. Hooks only get a
// wake-up; callbacks still run at the next Tick.
func (h *Handle) OnArrival(fn func(os.Signal)) { h.registry.OnArrival(fn) }

// Pause sleeps for d, returning early when a signal arrives. It returns ctx.Err() if ctx ends.
func (h *Handle) Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.wake:
	case <-t.C:
	}
	return nil
}

// IsRunning reports whether the identity is set and the process is alive. A child started by
// this handle is reaped first, so an exited child reports false even before Wait.
func (h *Handle) IsRunning() bool {
	h.mu.Lock()
	pid, owned, reaped := h.pid, h.owned, h.reaped
	h.mu.Unlock()
	if pid == 0 || reaped {
		return false
	}
	if owned {
		if _, done := h.tryReap(); done {
			return false
		}
	}
	return detector.Alive(pid)
}

// Signal delivers sig to the process.
func (h *Handle) Signal(sig syscall.Signal) error {
	if sig < 0 {
		return faults.Invalid("signal %d out of range", int(sig))
	}
	pid := h.PID()
	if pid == 0 {
		return faults.ErrNotRunning
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return faults.Posix("kill", pid, err)
	}
	h.logger.Debug("signal sent", "pid", pid, "signal", sig.String())
	metrics.IncSignal(h.role, sig.String())
	h.emit(context.Background(), history.EventSignal, pid, sig.String())
	return nil
}

// Stop requests termination (SIGTERM).
func (h *Handle) Stop() error {
	if err := h.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	metrics.IncStop(h.role)
	return nil
}

// Kill forces termination (SIGKILL).
func (h *Handle) Kill() error { return h.Signal(syscall.SIGKILL) }

// Hup requests a reload (SIGHUP).
func (h *Handle) Hup() error { return h.Signal(syscall.SIGHUP) }

// Close releases the signal subscriptions and any control strategy the handle built itself.
func (h *Handle) Close() error {
	h.registry.Close()
	h.mu.Lock()
	c, owns := h.control, h.ctlOwns
	h.mu.Unlock()
	if owns {
		if cl, ok := c.(io.Closer); ok {
			return cl.Close()
		}
	}
	return nil
}

func (h *Handle) emit(ctx context.Context, typ history.EventType, pid int, detail string) {
	h.mu.Lock()
	runID := h.runID
	h.mu.Unlock()
	history.Emit(ctx, h.hist, h.logger, history.Event{
		Type:   typ,
		Role:   h.role,
		PID:    pid,
		RunID:  runID,
		Detail: detail,
	})
}
