package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/procd"
	"github.com/loykin/procd/internal/detector"
	"github.com/loykin/procd/internal/faults"
	"github.com/loykin/procd/internal/logger"
)

type command struct {
	flags *GlobalFlags
}

// open loads the config and resolves the role's control record.
func (c command) open(ctx context.Context, detach bool) (*procd.Role, error) {
	cfg, err := procd.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	logCfg := cfg.Log
	logCfg.File = ""
	if c.flags.LogLevel != "" {
		logCfg.Level = c.flags.LogLevel
	}
	log, _, err := logger.New(logCfg, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrInvalidConfig, err)
	}
	return procd.OpenRole(ctx, cfg, detach, log)
}

// withRole opens the role and requires a live owner.
func (c command) withRole(ctx context.Context, fn func(r *procd.Role) error) error {
	r, err := c.open(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	if !r.Handle.HasPID() {
		return fmt.Errorf("%s: %w", r.Config.Name, faults.ErrNotRunning)
	}
	return fn(r)
}

type startResult struct {
	Role  string `json:"role"`
	PID   int    `json:"pid"`
	RunID string `json:"run_id,omitempty"`
}

func (c command) Run(ctx context.Context) (int, error) {
	r, err := c.open(ctx, false)
	if err != nil {
		return procd.ExitFault, err
	}
	defer func() { _ = r.Close() }()
	return r.Foreground(ctx)
}

func (c command) Start(ctx context.Context) error {
	r, err := c.open(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	pid, err := r.Handle.Start(ctx)
	if err != nil {
		return err
	}
	printJSON(startResult{Role: r.Config.Name, PID: pid, RunID: r.Handle.RunID()})
	return nil
}

func (c command) Stop(ctx context.Context, f StopFlags) error {
	return c.withRole(ctx, func(r *procd.Role) error {
		if err := r.Handle.Stop(); err != nil {
			return err
		}
		if f.Wait <= 0 {
			return nil
		}
		return waitGone(ctx, r.Handle, f.Wait)
	})
}

func (c command) Kill(ctx context.Context) error {
	return c.withRole(ctx, func(r *procd.Role) error { return r.Handle.Kill() })
}

func (c command) Reload(ctx context.Context) error {
	return c.withRole(ctx, func(r *procd.Role) error { return r.Handle.Hup() })
}

func (c command) Restart(ctx context.Context, f RestartFlags) error {
	r, err := c.open(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	timeout := f.Timeout
	if timeout < 0 {
		timeout = r.Config.RestartTimeout
	}
	pid, err := r.Handle.Restart(ctx, timeout)
	if err != nil {
		return err
	}
	printJSON(startResult{Role: r.Config.Name, PID: pid, RunID: r.Handle.RunID()})
	return nil
}

type statusReport struct {
	Role      string         `json:"role"`
	Running   bool           `json:"running"`
	PID       int            `json:"pid,omitempty"`
	Control   string         `json:"control"`
	Detected  string         `json:"detected_by,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	Process   *detector.Info `json:"process,omitempty"`
}

func (c command) Status(ctx context.Context) error {
	r, err := c.open(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	rep := statusReport{Role: r.Config.Name, Control: r.Control.Describe()}
	running, err := r.Control.IsRunning(ctx)
	if err != nil {
		return err
	}
	pid := 0
	if running {
		if pid, err = r.Control.PID(ctx); err != nil {
			return err
		}
		rep.PID = pid
		if t := detector.StartTime(pid); !t.IsZero() {
			rep.StartedAt = &t
		}
		if info, err := detector.Inspect(ctx, pid); err == nil {
			rep.Process = &info
		} else {
			slog.Debug("process inspection failed", "pid", pid, "error", err)
		}
	}
	by, alive, err := detector.First(ctx, r.Config.Detectors(pid)...)
	if err != nil {
		slog.Debug("detectors failed", "error", err)
	}
	rep.Running, rep.Detected = alive, by
	printJSON(rep)
	return nil
}

// waitGone polls until h's process is gone or wait elapses.
func waitGone(ctx context.Context, h *procd.Handle, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for h.IsRunning() {
		if time.Now().After(deadline) {
			return &faults.TimeoutError{PID: h.PID()}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}
