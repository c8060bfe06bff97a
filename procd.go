// Package procd creates, tracks, signals and restarts OS processes, and turns a unit of
// work into a daemon with graceful shutdown and reload.
//
// Programs that start processes must call Init first thing in main:
//
//	func main() {
//		procd.Init()
//		...
//	}
package procd

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procd/internal/config"
	"github.com/loykin/procd/internal/control"
	"github.com/loykin/procd/internal/daemon"
	"github.com/loykin/procd/internal/faults"
	"github.com/loykin/procd/internal/history"
	historyfactory "github.com/loykin/procd/internal/history/factory"
	"github.com/loykin/procd/internal/metrics"
	"github.com/loykin/procd/internal/process"
	"github.com/loykin/procd/internal/server"
	"github.com/loykin/procd/internal/tasks"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Handle = process.Handle

type Option = process.Option

type Task = process.Task

type TaskFactory = process.Factory

type ExitStatus = process.ExitStatus

type ControlStrategy = control.Strategy

type Daemon = daemon.Daemon

type DaemonConfig = daemon.Config

type Runner = daemon.Runner

type Result = daemon.Result

type Config = config.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	ExitNormal = process.ExitNormal
	ExitFault  = process.ExitFault
)

// Error kinds. Match with errors.Is.
var (
	ErrInvalidConfig  = faults.ErrInvalidConfig
	ErrPosix          = faults.ErrPosix
	ErrAlreadyRunning = faults.ErrAlreadyRunning
	ErrNotRunning     = faults.ErrNotRunning
	ErrTimeout        = faults.ErrTimeout
)

// Continue keeps a daemon loop running.
var Continue = daemon.Continue

// Init runs the child branch when the process was re-executed by Start; it then never
// returns. Otherwise it returns false.
func Init() bool { return process.Init() }

func RegisterTask(name string, f TaskFactory) { process.RegisterTask(name, f) }

func New(task string, opts ...Option) *Handle { return process.New(task, opts...) }

func Attach(pid int, opts ...Option) *Handle { return process.Attach(pid, opts...) }

func RunInline(ctx context.Context, t Task, opts ...Option) int {
	return process.RunInline(ctx, t, opts...)
}

func Exit(code int) Result { return daemon.Exit(code) }

func NewDaemon(r Runner, cfg DaemonConfig) *Daemon { return daemon.New(r, cfg) }

// Handle options.
var (
	WithControl      = process.WithControl
	WithControlDSN   = process.WithControlDSN
	WithRole         = process.WithRole
	WithPID          = process.WithPID
	WithHistory      = process.WithHistory
	WithHistoryDSN   = process.WithHistoryDSN
	WithArgs         = process.WithArgs
	WithEnv          = process.WithEnv
	WithPollInterval = process.WithPollInterval
	WithOptions      = process.WithOptions
	WithStdio        = process.WithStdio
)

func WithLogger(l *slog.Logger) Option { return process.WithLogger(l) }

// NewPIDFileControl returns a pid file control strategy after validating path.
func NewPIDFileControl(path string) (ControlStrategy, error) { return control.NewPIDFile(path) }

// NewControl builds a control strategy for role from a DSN (pidfile://, memory://, sqlite://,
// postgres://, etcd://, redis:// or a bare pid file path).
func NewControl(ctx context.Context, dsn, role string) (ControlStrategy, error) {
	return control.FromDSN(ctx, dsn, role)
}

func NewHistorySink(dsn string) (HistorySink, error) { return historyfactory.NewSinkFromDSN(dsn) }

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewStatusServer serves /healthz, /status and /metrics for d on addr.
func NewStatusServer(addr, basePath string, d *Daemon) (*http.Server, error) {
	return server.NewServer(addr, basePath, d)
}

// Role is the built-in command daemon described by a config file, as seen from a controlling
// process (the CLI).
type Role struct {
	Config  *Config
	Control ControlStrategy
	History HistorySink
	Handle  *Handle

	logger *slog.Logger
}

// OpenRole resolves the control record and history sink of c and returns a handle for the
// command task. When the record names a live process the handle adopts it.
func OpenRole(ctx context.Context, c *Config, detach bool, logger *slog.Logger) (*Role, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctl, err := control.FromDSN(ctx, c.ControlLocation(), c.Name, control.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	r := &Role{Config: c, Control: ctl, logger: logger}
	envs, err := c.Environment()
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	opts := []Option{
		WithRole(c.Name),
		WithControl(ctl),
		WithControlDSN(c.ControlLocation()),
		WithLogger(logger),
		WithEnv(envs),
		WithOptions(c.TaskOptions(detach)),
	}
	if dsn := c.HistoryDSN(); dsn != "" {
		sink, err := historyfactory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		r.History = sink
		opts = append(opts, WithHistory(sink), WithHistoryDSN(dsn))
	}
	if pid, err := ctl.PID(ctx); err == nil {
		opts = append(opts, WithPID(pid))
	}
	r.Handle = New(tasks.CommandTask, opts...)
	return r, nil
}

// Foreground runs the command daemon in the calling process and returns its exit code.
// The configured environment is applied to the calling process first.
func (r *Role) Foreground(ctx context.Context) (int, error) {
	if running, err := r.Control.IsRunning(ctx); err != nil {
		return ExitFault, err
	} else if running {
		pid, _ := r.Control.PID(ctx)
		return ExitFault, &faults.AlreadyRunningError{PID: pid}
	}
	task, err := tasks.NewCommandDaemon(r.Config.TaskOptions(false))
	if err != nil {
		return ExitFault, err
	}
	envs, err := r.Config.Environment()
	if err != nil {
		return ExitFault, err
	}
	for _, kv := range envs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			_ = os.Setenv(k, v)
		}
	}
	opts := []Option{WithRole(r.Config.Name), WithControl(r.Control), WithLogger(r.logger)}
	if r.History != nil {
		opts = append(opts, WithHistory(r.History))
	}
	return process.RunInline(ctx, task, opts...), nil
}

// Close releases the handle, the control strategy and the history sink.
func (r *Role) Close() error {
	if r.Handle != nil {
		_ = r.Handle.Close()
	}
	if c, ok := r.History.(io.Closer); ok {
		_ = c.Close()
	}
	if c, ok := r.Control.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
