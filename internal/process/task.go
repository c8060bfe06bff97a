package process

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Exit codes shared by every task body. Tasks may define more.
const (
	ExitNormal = 0
	// ExitFault is used when a task body returns an error or panics.
	ExitFault = 70
)

// Task is the body executed in the re-executed child.
type Task interface {
	Main(ctx context.Context, h *Handle) (int, error)
}

// SignalInstaller is implemented by tasks that subscribe default signals before Main runs.
type SignalInstaller interface {
	InstallSignals(h *Handle) error
}

// Factory builds a task from the free-form options carried in the child record.
type Factory func(opts map[string]string) (Task, error)

var (
	tasksMu sync.RWMutex
	tasks   = make(map[string]Factory)
)

// RegisterTask makes a task body available under name, in the parent and in the child.
// It is meant to be called from init functions and panics on an empty name, a nil factory
// or a duplicate registration.
func RegisterTask(name string, f Factory) {
	tasksMu.Lock()
	defer tasksMu.Unlock()
	if name == "" || f == nil {
		panic("process: RegisterTask needs a name and a factory")
	}
	if _, dup := tasks[name]; dup {
		panic(fmt.Sprintf("process: task %q registered twice", name))
	}
	tasks[name] = f
}

func lookupTask(name string) (Factory, bool) {
	tasksMu.RLock()
	defer tasksMu.RUnlock()
	f, ok := tasks[name]
	return f, ok
}

// Tasks returns the registered task names, sorted.
func Tasks() []string {
	tasksMu.RLock()
	defer tasksMu.RUnlock()
	out := make([]string, 0, len(tasks))
	for n := range tasks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Func runs a function once. An error becomes ExitFault.
type Func func(ctx context.Context, h *Handle) error

func (f Func) Main(ctx context.Context, h *Handle) (int, error) {
	if err := f(ctx, h); err != nil {
		return ExitFault, err
	}
	return ExitNormal, nil
}

// LoopFunc is one unit of continuous work. Returning exit=true ends the loop with code.
type LoopFunc func(ctx context.Context, h *Handle) (code int, exit bool, err error)

// Loop repeats Tick until SIGTERM is handled or Tick asks to exit. Interval is the pause
// between ticks; a signal arrival cuts the pause short so the next checkpoint runs promptly.
type Loop struct {
	Tick     LoopFunc
	Interval time.Duration

	shutdown bool
}

// NewLoop returns a Loop task.
func NewLoop(tick LoopFunc, interval time.Duration) *Loop {
	return &Loop{Tick: tick, Interval: interval}
}

func (l *Loop) InstallSignals(h *Handle) error {
	_, err := h.Register(syscall.SIGTERM, func() { l.shutdown = true }, 0)
	return err
}

func (l *Loop) Main(ctx context.Context, h *Handle) (int, error) {
	if l.Tick == nil {
		return ExitFault, fmt.Errorf("loop task has no tick function")
	}
	for {
		h.Tick()
		if l.shutdown {
			return ExitNormal, nil
		}
		code, exit, err := l.Tick(ctx, h)
		if err != nil {
			return ExitFault, err
		}
		if exit {
			return code, nil
		}
		if err := h.Pause(ctx, l.Interval); err != nil {
			return ExitNormal, nil
		}
	}
}
