package process

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/loykin/procd/internal/faults"
	"github.com/loykin/procd/internal/history"
	"github.com/loykin/procd/internal/metrics"
)

// Start re-executes the current binary to run the handle's task and returns the child pid.
// It fails with AlreadyRunningError and creates nothing when the handle's own process is
// alive or a control strategy reports a live owner.
func (h *Handle) Start(ctx context.Context) (int, error) {
	if err := h.checkTask(); err != nil {
		return 0, err
	}
	if h.HasPID() && h.IsRunning() {
		return 0, &faults.AlreadyRunningError{PID: h.PID()}
	}
	pid, runID, err := h.spawn(ctx)
	if err != nil {
		return 0, err
	}
	history.Emit(ctx, h.hist, h.logger, history.Event{
		Type: history.EventStart, Role: h.role, PID: pid, RunID: runID, Detail: h.task,
	})
	return pid, nil
}

// checkTask reports whether Start could run the handle's task at all.
func (h *Handle) checkTask() error {
	if h.task == "" {
		return faults.Invalid("handle has no task to start")
	}
	if _, ok := lookupTask(h.task); !ok {
		return faults.Invalid("task %q is not registered", h.task)
	}
	return nil
}

func (h *Handle) spawn(ctx context.Context) (int, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ctl, err := h.controlLocked(ctx)
	if err != nil {
		return 0, "", err
	}
	if ctl != nil {
		running, err := ctl.IsRunning(ctx)
		if err != nil {
			return 0, "", err
		}
		if running {
			pid, _ := ctl.PID(ctx)
			return 0, "", &faults.AlreadyRunningError{PID: pid}
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, "", faults.Posix("fork", 0, err)
	}
	runID := uuid.NewString()
	rec := ChildRecord{
		Task:       h.task,
		Role:       h.role,
		ControlDSN: h.controlDSN,
		HistoryDSN: h.historyDSN,
		RunID:      runID,
		Options:    h.options,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, "", fmt.Errorf("encode child record: %w", err)
	}

	stdout, closeOut, err := childFile(h.stdout)
	if err != nil {
		return 0, "", faults.Posix("fork", 0, err)
	}
	defer closeOut()
	stderr, closeErr, err := childFile(h.stderr)
	if err != nil {
		return 0, "", faults.Posix("fork", 0, err)
	}
	defer closeErr()
	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, "", faults.Posix("fork", 0, err)
	}
	defer func() { _ = devnull.Close() }()

	argv := append([]string{exe}, h.args...)
	proc, err := os.StartProcess(exe, argv, &os.ProcAttr{
		Env:   childEnv(h.env, string(payload)),
		Files: []*os.File{devnull, stdout, stderr},
	})
	if err != nil {
		metrics.IncFault(h.role)
		return 0, "", faults.Posix("fork", 0, err)
	}
	pid := proc.Pid
	// Reaping goes through wait4 directly; the os.Process is not used again.
	_ = proc.Release()

	h.pid, h.owned, h.reaped, h.exit, h.runID = pid, true, false, ExitStatus{}, runID
	h.logger.Info("process started", "pid", pid, "task", h.task, "run_id", runID)
	metrics.IncStart(h.role)
	return pid, runID, nil
}

// childEnv drops any inherited child record so a nested start never re-runs the parent's task.
// extra entries override inherited ones with the same key.
func childEnv(extra []string, payload string) []string {
	all := append(os.Environ(), extra...)
	last := make(map[string]int, len(all))
	for i, kv := range all {
		k, _, _ := strings.Cut(kv, "=")
		last[k] = i
	}
	out := make([]string, 0, len(last)+1)
	for i, kv := range all {
		k, _, _ := strings.Cut(kv, "=")
		if k == ChildEnv || last[k] != i {
			continue
		}
		out = append(out, kv)
	}
	return append(out, ChildEnv+"="+payload)
}

// childFile returns a file the child can inherit for w. Writers that are not files are fed
// through a pipe drained by a goroutine until the child closes its end.
func childFile(w io.Writer) (*os.File, func(), error) {
	if w == nil {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, func() {}, err
		}
		return f, func() { _ = f.Close() }, nil
	}
	if f, ok := w.(*os.File); ok {
		return f, func() {}, nil
	}
	r, wr, err := os.Pipe()
	if err != nil {
		return nil, func() {}, err
	}
	go func() {
		_, _ = io.Copy(w, r)
		_ = r.Close()
	}()
	return wr, func() { _ = wr.Close() }, nil
}
