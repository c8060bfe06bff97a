// Package tasks holds the built-in task bodies of the procd binary.
package tasks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/procd/internal/config"
	"github.com/loykin/procd/internal/daemon"
	"github.com/loykin/procd/internal/faults"
	"github.com/loykin/procd/internal/logger"
	"github.com/loykin/procd/internal/process"
)

// CommandTask is the task name of the command daemon.
const CommandTask = "command"

func init() {
	process.RegisterTask(CommandTask, NewCommandDaemon)
}

// Command runs a shell-style command line once per daemon iteration and then waits for
// Interval. With a zero Interval it runs once and the daemon exits with the command's code.
type Command struct {
	mu       sync.Mutex
	line     string
	interval time.Duration
	workDir  string
	cfgPath  string

	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

// NewCommand returns a Command for line.
func NewCommand(line string, interval time.Duration) *Command {
	return &Command{line: line, interval: interval, stdout: os.Stdout, stderr: os.Stderr, logger: slog.Default()}
}

// NewCommandDaemon builds the command daemon from child options.
func NewCommandDaemon(opts map[string]string) (process.Task, error) {
	line := opts[config.OptCommand]
	if strings.TrimSpace(line) == "" {
		return nil, faults.Invalid("command option is required")
	}
	var interval time.Duration
	if s := opts[config.OptInterval]; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return nil, faults.Invalid("interval %q", s)
		}
		interval = d
	}
	detach, _ := strconv.ParseBool(opts[config.OptDetach])

	cmd := NewCommand(line, interval)
	cmd.workDir = opts[config.OptWorkDir]
	cmd.cfgPath = opts[config.OptConfig]

	dc := daemon.Config{
		Detach:     detach,
		OutputLog:  opts[config.OptOutputLog],
		ErrorLog:   opts[config.OptErrorLog],
		StatusAddr: opts[config.OptStatusAddr],
	}
	if w := opts[config.OptWatch]; w != "" {
		dc.WatchFiles = strings.Split(w, string(os.PathListSeparator))
	}
	if s := opts[config.OptUID]; s != "" {
		uid, err := strconv.Atoi(s)
		if err != nil {
			return nil, faults.Invalid("uid %q", s)
		}
		if err := dc.SetUID(uid); err != nil {
			return nil, err
		}
	}
	if s := opts[config.OptGID]; s != "" {
		gid, err := strconv.Atoi(s)
		if err != nil {
			return nil, faults.Invalid("gid %q", s)
		}
		if err := dc.SetGID(gid); err != nil {
			return nil, err
		}
	}
	if !detach {
		// In the foreground the standard streams are not redirected, so logs rotate here.
		out, errW := logger.Config{}.Writers(dc.OutputLog, dc.ErrorLog)
		if out != nil {
			cmd.stdout = out
		}
		if errW != nil {
			cmd.stderr = errW
		}
	}
	return daemon.New(cmd, dc), nil
}

// BuildCommand turns a command line into an exec.Cmd.
// An explicit "sh -c ..." prefix is honoured as is; lines with shell metacharacters run
// under /bin/sh -c; anything else is split on whitespace and executed directly.
func BuildCommand(ctx context.Context, line string) *exec.Cmd {
	line = strings.TrimSpace(line)
	if line == "" {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/true")
	}
	if _, afterC, ok := parseExplicitShell(line); ok {
		// Absolute shell path so an overridden PATH does not matter.
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(line, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", line)
	}
	parts := strings.Fields(line)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>", "/bin/sh -c <ARG>" or "/usr/bin/sh -c <ARG>" at
// the start of line and returns the shell and ARG. One pair of outer quotes around ARG is
// stripped so redirections inside the script still work.
func parseExplicitShell(line string) (string, string, bool) {
	trim := strings.TrimLeft(line, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}

func (c *Command) snapshot() (string, time.Duration, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.line, c.interval, c.workDir
}

// Run executes the command and then sleeps for the interval. The sleep ends early when ctx
// is cancelled, which happens as soon as a stop or reload signal arrives.
func (c *Command) Run(ctx context.Context) (daemon.Result, error) {
	line, interval, dir := c.snapshot()
	cmd := BuildCommand(ctx, line)
	cmd.Dir = dir
	cmd.Stdout, cmd.Stderr = c.stdout, c.stderr
	// A stop or reload interrupts the running command, which then has WaitDelay to exit.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 10 * time.Second

	start := time.Now()
	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	default:
		return daemon.Continue, faults.Posix("exec", 0, err)
	}
	c.logger.Info("command finished", "command", line, "code", code, "elapsed", time.Since(start))

	if interval == 0 {
		if code < 0 {
			code = process.ExitFault
			if ctx.Err() != nil {
				code = process.ExitNormal
			}
		}
		return daemon.Exit(code), nil
	}
	t := time.NewTimer(interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return daemon.Continue, nil
}

// Reload re-reads the config file the daemon was started from, if any, and applies the new
// command, interval and working directory.
func (c *Command) Reload(context.Context) error {
	if c.cfgPath == "" {
		return nil
	}
	cfg, err := config.Load(c.cfgPath)
	if err != nil {
		c.logger.Warn("reload kept previous command", "config", c.cfgPath, "error", err)
		return nil
	}
	c.mu.Lock()
	c.line, c.interval, c.workDir = cfg.Command, cfg.Interval, cfg.WorkDir
	c.mu.Unlock()
	c.logger.Info("command reloaded", "command", cfg.Command, "interval", cfg.Interval)
	return nil
}
