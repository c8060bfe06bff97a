package process

import (
	"context"
	"errors"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/loykin/procd/internal/faults"
	"github.com/loykin/procd/internal/history"
)

// ExitStatus is the result of Wait.
type ExitStatus struct {
	PID int
	// Done is false when a non-blocking Wait found the child still running.
	Done     bool
	Exited   bool
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

func (s ExitStatus) String() string {
	switch {
	case !s.Done:
		return "running"
	case s.Signaled:
		return "signal " + s.Signal.String()
	default:
		return "exit " + strconv.Itoa(s.Code)
	}
}

// Wait collects the exit status of the child. With block=false it returns immediately and
// Done reports whether the child had exited. Only children started by this process can be
// waited for; anything else fails with a wait PosixError (ECHILD).
func (h *Handle) Wait(block bool) (ExitStatus, error) {
	h.mu.Lock()
	pid, reaped, st := h.pid, h.reaped, h.exit
	h.mu.Unlock()
	if pid == 0 {
		return ExitStatus{}, faults.ErrNotRunning
	}
	if reaped {
		return st, nil
	}
	opts := 0
	if !block {
		opts = unix.WNOHANG
	}
	return h.wait4(pid, opts)
}

// tryReap performs a non-blocking wait on an owned child.
func (h *Handle) tryReap() (ExitStatus, bool) {
	h.mu.Lock()
	pid, reaped, st := h.pid, h.reaped, h.exit
	h.mu.Unlock()
	if reaped {
		return st, true
	}
	if pid == 0 {
		return ExitStatus{}, false
	}
	st, err := h.wait4(pid, unix.WNOHANG)
	if err != nil {
		return ExitStatus{}, false
	}
	return st, st.Done
}

func (h *Handle) wait4(pid, opts int) (ExitStatus, error) {
	var ws unix.WaitStatus
	var got int
	var err error
	for {
		got, err = unix.Wait4(pid, &ws, opts, nil)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return ExitStatus{PID: pid}, faults.Posix("wait", pid, err)
	}
	if got == 0 {
		return ExitStatus{PID: pid}, nil
	}
	st := ExitStatus{PID: pid, Done: true}
	switch {
	case ws.Exited():
		st.Exited, st.Code = true, ws.ExitStatus()
	case ws.Signaled():
		st.Signaled, st.Signal = true, syscall.Signal(ws.Signal())
	}
	h.mu.Lock()
	first := !h.reaped && h.pid == pid
	if first {
		h.reaped, h.exit = true, st
	}
	h.mu.Unlock()
	if first {
		h.logger.Info("process exited", "pid", pid, "status", st.String())
		h.emit(context.Background(), history.EventExit, pid, st.String())
	}
	return st, nil
}
