package process

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/loykin/procd/internal/control"
	"github.com/loykin/procd/internal/history"
	historyfactory "github.com/loykin/procd/internal/history/factory"
	"github.com/loykin/procd/internal/logger"
	"github.com/loykin/procd/internal/metrics"
)

// ChildEnv carries the JSON ChildRecord from parent to re-executed child.
const ChildEnv = "PROCD_CHILD"

// Option keys understood by the child itself. Everything else is passed to the task factory.
const (
	OptLogLevel  = "log_level"
	OptLogFormat = "log_format"
	OptLogFile   = "log_file"
)

// ChildRecord identifies the work a re-executed child must do.
type ChildRecord struct {
	Task       string            `json:"task"`
	Role       string            `json:"role"`
	ControlDSN string            `json:"control_dsn,omitempty"`
	HistoryDSN string            `json:"history_dsn,omitempty"`
	RunID      string            `json:"run_id"`
	Options    map[string]string `json:"options,omitempty"`
}

// Init must be called first thing in main (and TestMain). In a re-executed child it runs the
// recorded task and exits the process with its code; otherwise it returns false.
func Init() bool {
	raw, ok := os.LookupEnv(ChildEnv)
	if !ok {
		return false
	}
	_ = os.Unsetenv(ChildEnv)
	os.Exit(runChild(raw))
	return true
}

func runChild(raw string) int {
	var rec ChildRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		fmt.Fprintf(os.Stderr, "procd: invalid child record: %v\n", err)
		return ExitFault
	}
	log, closer, err := logger.New(logger.Config{
		File:   rec.Options[OptLogFile],
		Level:  rec.Options[OptLogLevel],
		Format: rec.Options[OptLogFormat],
	}, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "procd: %v\n", err)
		return ExitFault
	}
	defer func() { _ = closer.Close() }()
	log = log.With("role", rec.Role, "run_id", rec.RunID)
	slog.SetDefault(log)

	factory, ok := lookupTask(rec.Task)
	if !ok {
		log.Error("unknown task", "task", rec.Task)
		return ExitFault
	}
	task, err := factory(rec.Options)
	if err != nil {
		log.Error("task setup failed", "task", rec.Task, "error", err)
		return ExitFault
	}

	ctx := context.Background()
	opts := []Option{WithRole(rec.Role), WithLogger(log), WithOptions(rec.Options)}
	if rec.ControlDSN != "" {
		ctl, err := control.FromDSN(ctx, rec.ControlDSN, rec.Role,
			control.WithRunID(rec.RunID), control.WithLogger(log))
		if err != nil {
			log.Error("control strategy unavailable", "dsn", rec.ControlDSN, "error", err)
			return ExitFault
		}
		defer func() { _ = ctl.Close() }()
		opts = append(opts, WithControl(ctl), WithControlDSN(rec.ControlDSN))
	}
	if rec.HistoryDSN != "" {
		sink, err := historyfactory.NewSinkFromDSN(rec.HistoryDSN)
		if err != nil {
			log.Warn("history sink unavailable", "dsn", rec.HistoryDSN, "error", err)
		} else {
			if c, ok := sink.(io.Closer); ok {
				defer func() { _ = c.Close() }()
			}
			opts = append(opts, WithHistory(sink))
		}
	}
	h := New(rec.Task, opts...)
	h.runID = rec.RunID
	return execute(ctx, h, task)
}

// RunInline runs task in the current process as if it were a started child: the handle's
// identity is os.Getpid(), it is recorded in the control strategy and cleared on return.
// It returns the exit code instead of exiting.
func RunInline(ctx context.Context, task Task, opts ...Option) int {
	h := New("", opts...)
	return execute(ctx, h, task)
}

func execute(ctx context.Context, h *Handle, task Task) (code int) {
	defer func() { _ = h.Close() }()
	pid := os.Getpid()
	h.mu.Lock()
	h.pid = pid
	h.mu.Unlock()

	// Handlers are installed before the pid is published.
	if si, ok := task.(SignalInstaller); ok {
		if err := si.InstallSignals(h); err != nil {
			h.logger.Error("installing signal handlers failed", "error", err)
			return ExitFault
		}
	}

	ctl, err := h.Control(ctx)
	if err != nil {
		h.logger.Error("control strategy unavailable", "error", err)
		return ExitFault
	}
	if ctl != nil {
		if err := ctl.SetPID(ctx, pid); err != nil {
			h.logger.Error("recording pid failed", "pid", pid, "error", err)
			return ExitFault
		}
		defer func() {
			if err := ctl.Clear(context.WithoutCancel(ctx)); err != nil {
				h.logger.Warn("clearing control record failed", "error", err)
			}
		}()
	}

	code = runTask(ctx, h, task)
	h.logger.Info("task finished", "pid", pid, "code", code)
	h.emit(ctx, history.EventExit, pid, strconv.Itoa(code))
	return code
}

func runTask(ctx context.Context, h *Handle, task Task) (code int) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			code = h.fault(ctx, fmt.Errorf("panic: %v", r))
		}
	}()
	code, err := task.Main(ctx, h)
	if err != nil {
		h.logger.Error("task failed", "error", err)
		return h.fault(ctx, err)
	}
	return code
}

func (h *Handle) fault(ctx context.Context, err error) int {
	metrics.IncFault(h.role)
	h.emit(ctx, history.EventFault, os.Getpid(), err.Error())
	return ExitFault
}

// IsFault reports whether code is the fault exit code.
func IsFault(code int) bool { return code == ExitFault }
