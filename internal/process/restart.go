package process

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/loykin/procd/internal/faults"
	"github.com/loykin/procd/internal/history"
	"github.com/loykin/procd/internal/metrics"
)

// Restart stops the current process, waits for it to disappear and starts a new one.
// timeout bounds the wait (0 waits forever); on expiry it returns a TimeoutError and nothing
// new is started. When no process is running it simply starts one. A handle without a
// startable task is rejected before anything is signalled.
func (h *Handle) Restart(ctx context.Context, timeout time.Duration) (int, error) {
	if err := h.checkTask(); err != nil {
		return 0, err
	}
	if h.IsRunning() {
		if err := h.Stop(); err != nil && !errors.Is(err, faults.ErrPosix) {
			return 0, err
		}
		if err := h.awaitStop(ctx, timeout); err != nil {
			return 0, err
		}
	}
	pid, err := h.Start(ctx)
	if err != nil {
		return 0, err
	}
	metrics.IncRestart(h.role)
	h.emit(ctx, history.EventRestart, pid, "")
	return pid, nil
}

func (h *Handle) awaitStop(ctx context.Context, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for h.IsRunning() {
		wait := h.poll
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				pid := h.PID()
				h.logger.Warn("restart timed out", "pid", pid, "timeout", timeout)
				metrics.IncRestartTimeout(h.role)
				h.emit(ctx, history.EventRestartTimeout, pid, strconv.FormatInt(timeout.Milliseconds(), 10)+"ms")
				return &faults.TimeoutError{PID: pid}
			}
			if left < wait {
				wait = left
			}
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
