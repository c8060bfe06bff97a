// Package daemon turns a unit of work into a long-lived process with graceful shutdown and
// reload semantics. A Daemon is a process.Task: it runs in the re-executed child (or inline)
// and reacts to SIGTERM and SIGHUP at its loop checkpoints.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/loykin/procd/internal/faults"
	"github.com/loykin/procd/internal/history"
	"github.com/loykin/procd/internal/metrics"
	"github.com/loykin/procd/internal/process"
	"github.com/loykin/procd/internal/server"
)

// Runner performs one iteration of work.
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// Initializer is called before every Run.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Finalizer is called after every Run with its result.
type Finalizer interface {
	Finalize(ctx context.Context, r Result) error
}

// Reloader is called when a reload is honoured, before the loop resumes.
type Reloader interface {
	Reload(ctx context.Context) error
}

// RunFunc adapts a function to Runner.
type RunFunc func(ctx context.Context) (Result, error)

func (f RunFunc) Run(ctx context.Context) (Result, error) { return f(ctx) }

// Result is an optional exit code. The zero value is Continue.
type Result struct {
	code int
	set  bool
}

// Continue keeps the loop running.
var Continue = Result{}

// Exit asks the loop to stop with code.
func Exit(code int) Result { return Result{code: code, set: true} }

// Code returns the exit code and whether one was set.
func (r Result) Code() (int, bool) { return r.code, r.set }

func (r Result) normal() bool { return !r.set || r.code == process.ExitNormal }

// Config controls how the daemon detaches. The zero value runs in the foreground as the
// current user.
type Config struct {
	// Detach starts a new session and redirects the standard streams.
	Detach    bool
	UID       *int
	GID       *int
	OutputLog string
	ErrorLog  string
	// StatusAddr, when set, serves /healthz, /status and /metrics.
	StatusAddr string
	// WatchFiles trigger a reload when written.
	WatchFiles []string
	Debounce   time.Duration
}

// Daemon is the lifecycle state machine around a Runner.
type Daemon struct {
	runner Runner
	cfg    Config

	h      *process.Handle
	hist   history.Sink
	status *http.Server
	watch  *watcher

	// Flags are written by signal callbacks, which run on the loop goroutine at Tick.
	shutdown bool
	reload   bool

	mu         sync.Mutex
	state      State
	cancelIter context.CancelFunc
	startedAt  time.Time
	streams    []*os.File

	iterations atomic.Uint64
}

// New returns a Daemon running runner with cfg.
func New(runner Runner, cfg Config) *Daemon {
	return &Daemon{runner: runner, cfg: cfg}
}

// WithHistory sends reload events to s in addition to the handle's own events.
func (d *Daemon) WithHistory(s history.Sink) *Daemon {
	d.hist = s
	return d
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Iterations returns the number of completed Run calls.
func (d *Daemon) Iterations() uint64 { return d.iterations.Load() }

// Status implements server.StatusSource.
func (d *Daemon) Status() server.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := server.Status{State: d.state.String(), Iterations: d.iterations.Load(), StartedAt: d.startedAt}
	if d.h != nil {
		st.Role, st.PID, st.RunID = d.h.Role(), d.h.PID(), d.h.RunID()
	}
	return st
}

// InstallSignals wires SIGTERM to shutdown and SIGHUP to reload. Either one also cancels the
// context of the Run in progress as soon as it arrives.
func (d *Daemon) InstallSignals(h *process.Handle) error {
	d.h = h
	if _, err := h.Register(syscall.SIGTERM, func() { d.shutdown = true }, 0); err != nil {
		return err
	}
	if _, err := h.Register(syscall.SIGHUP, func() { d.reload, d.shutdown = true, true }, 0); err != nil {
		return err
	}
	h.OnArrival(func(sig os.Signal) {
		if sig != syscall.SIGTERM && sig != syscall.SIGHUP {
			return
		}
		d.mu.Lock()
		cancel := d.cancelIter
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	return nil
}

// Main implements process.Task.
func (d *Daemon) Main(ctx context.Context, h *process.Handle) (int, error) {
	if d.h == nil {
		if err := d.InstallSignals(h); err != nil {
			return process.ExitFault, err
		}
	}
	d.mu.Lock()
	d.startedAt = time.Now().UTC()
	d.mu.Unlock()
	d.setState(Initializing)
	defer d.terminate()

	if err := d.daemonize(); err != nil {
		return process.ExitFault, err
	}
	d.setState(Daemonized)

	if err := d.startAmbient(); err != nil {
		return process.ExitFault, err
	}

	last, err := d.loop(ctx)
	if err != nil {
		return process.ExitFault, err
	}
	d.setState(ShutdownRequested)
	if code, ok := last.Code(); ok {
		return code, nil
	}
	return process.ExitNormal, nil
}

func (d *Daemon) loop(ctx context.Context) (Result, error) {
	log := d.h.Logger()
	var last Result
	for {
		d.h.Tick()
		if !d.shutdown {
			res, err := d.iterate(ctx)
			if err != nil {
				return last, err
			}
			last = res
			d.h.Tick()
			if _, exit := res.Code(); !exit && !d.shutdown {
				continue
			}
		}
		if d.reload && last.normal() {
			d.shutdown, d.reload = false, false
			last = Continue
			d.setState(ReloadRequested)
			log.Info("reloading")
			metrics.IncReload(d.h.Role())
			history.Emit(ctx, d.hist, log, history.Event{Type: history.EventReload, Role: d.h.Role(), PID: d.h.PID(), RunID: d.h.RunID()})
			if rl, ok := d.runner.(Reloader); ok {
				if err := rl.Reload(ctx); err != nil {
					return last, err
				}
			}
			continue
		}
		return last, nil
	}
}

func (d *Daemon) iterate(ctx context.Context) (Result, error) {
	iterCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancelIter = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.cancelIter = nil
		d.mu.Unlock()
		cancel()
	}()

	d.setState(RunningIteration)
	if in, ok := d.runner.(Initializer); ok {
		if err := in.Initialize(iterCtx); err != nil {
			return Continue, err
		}
	}
	res, err := d.runner.Run(iterCtx)
	if err != nil {
		return Continue, err
	}
	d.iterations.Add(1)
	metrics.IncIteration(d.h.Role())
	if fin, ok := d.runner.(Finalizer); ok {
		if err := fin.Finalize(iterCtx, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (d *Daemon) daemonize() error {
	if !d.cfg.Detach {
		return dropPrivileges(d.cfg)
	}
	if _, err := unix.Setsid(); err != nil && !errors.Is(err, unix.EPERM) {
		return faults.Posix("setsid", os.Getpid(), err)
	}
	if err := dropPrivileges(d.cfg); err != nil {
		return err
	}
	files, err := redirectStreams(d.cfg.OutputLog, d.cfg.ErrorLog)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.streams = files
	d.mu.Unlock()
	return nil
}

func (d *Daemon) startAmbient() error {
	log := d.h.Logger()
	if d.cfg.StatusAddr != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("metrics registration failed", "error", err)
		}
		if err := prometheus.DefaultRegisterer.Register(metrics.NewProcessCollector(d.h.Role(), d.h.PID)); err != nil {
			log.Debug("process collector not registered", "error", err)
		}
		srv, err := server.NewServer(d.cfg.StatusAddr, "", d)
		if err != nil {
			return faults.Invalid("status address %q: %v", d.cfg.StatusAddr, err)
		}
		d.status = srv
		log.Info("status server listening", "addr", srv.Addr)
	}
	if len(d.cfg.WatchFiles) > 0 {
		w, err := newWatcher(d.cfg.WatchFiles, d.cfg.Debounce, log, func(string) {
			_ = syscall.Kill(os.Getpid(), syscall.SIGHUP)
		})
		if err != nil {
			return faults.Invalid("%v", err)
		}
		d.watch = w
	}
	return nil
}

func (d *Daemon) terminate() {
	if d.watch != nil {
		_ = d.watch.Close()
		d.watch = nil
	}
	if d.status != nil {
		_ = server.Shutdown(d.status, 5*time.Second)
	}
	d.setState(Terminated)
	d.mu.Lock()
	files := d.streams
	d.streams = nil
	d.mu.Unlock()
	closeAll(files)
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	role := ""
	if d.h != nil {
		role = d.h.Role()
		d.h.Logger().Debug("daemon state", "from", prev.String(), "to", s.String())
	}
	if prev != s {
		metrics.RecordStateTransition(role, prev.String(), s.String())
		metrics.SetCurrentState(role, prev.String(), false)
	}
	metrics.SetCurrentState(role, s.String(), true)
}
