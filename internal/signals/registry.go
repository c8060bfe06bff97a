// Package signals multiplexes asynchronous OS signal delivery into ordered, synchronous
// callbacks that run at explicit checkpoints.
//
// A Registry installs exactly one OS subscription per distinct signal. Deliveries are queued
// by a forwarding goroutine; callbacks only run when the owner calls Tick (or Handle), so the
// code that owns the registry decides where handlers may interleave with its work.
package signals

import (
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sort"
	"sync"
	"syscall"

	"github.com/loykin/procd/internal/faults"
)

// maxSignal is the highest signal number accepted by Register (Linux real-time range end).
const maxSignal = 64

type entry struct {
	priority int
	seq      uint64
	fn       func()
}

// NotifyFunc subscribes c to the given signals. It matches signal.Notify.
type NotifyFunc func(c chan<- os.Signal, sig ...os.Signal)

// Registry maps signal numbers to ordered callbacks. It is safe for concurrent use, but
// callbacks run on the goroutine that calls Tick or Handle.
type Registry struct {
	mu         sync.Mutex
	handlers   map[syscall.Signal][]entry
	subscribed map[syscall.Signal]bool
	seq        uint64
	queue      []syscall.Signal
	hooks      []func(os.Signal)

	notify    NotifyFunc
	stop      func(c chan<- os.Signal)
	ch        chan os.Signal
	done      chan struct{}
	forwarder bool
	closed    bool
	logger    *slog.Logger
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithNotify replaces the OS subscription primitive. Tests use it to observe how many
// times a signal is subscribed.
func WithNotify(notify NotifyFunc, stop func(c chan<- os.Signal)) Option {
	return func(r *Registry) {
		r.notify = notify
		r.stop = stop
	}
}

// New creates an empty registry. No OS subscription happens until the first Register.
func New(opts ...Option) *Registry {
	r := &Registry{
		handlers:   make(map[syscall.Signal][]entry),
		subscribed: make(map[syscall.Signal]bool),
		notify:     signal.Notify,
		stop:       signal.Stop,
		ch:         make(chan os.Signal, 16),
		done:       make(chan struct{}),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Validate reports whether sig can carry callbacks.
func Validate(sig syscall.Signal) error {
	if sig <= 0 || sig > maxSignal {
		return faults.Invalid("signal %d out of range 1..%d", int(sig), maxSignal)
	}
	if sig == syscall.SIGKILL || sig == syscall.SIGSTOP {
		return faults.Invalid("signal %s cannot be caught", sig)
	}
	return nil
}

// Register adds fn to the callbacks of sig. Higher priorities run first; equal priorities
// run in registration order. The OS subscription for sig is installed on first use only.
func (r *Registry) Register(sig syscall.Signal, fn func(), priority int) error {
	if err := Validate(sig); err != nil {
		return err
	}
	if fn == nil {
		return faults.Invalid("callback for signal %s is nil", sig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return faults.Invalid("signal registry is closed")
	}

	r.seq++
	e := entry{priority: priority, seq: r.seq, fn: fn}
	list := r.handlers[sig]
	// first index whose priority is strictly lower keeps equal priorities FIFO
	i := sort.Search(len(list), func(i int) bool { return list[i].priority < priority })
	list = append(list, entry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	r.handlers[sig] = list

	if !r.subscribed[sig] {
		r.subscribed[sig] = true
		r.notify(r.ch, sig)
		if !r.forwarder {
			r.forwarder = true
			go r.forward()
		}
	}
	return nil
}

// Subscribed reports whether an OS subscription exists for sig.
func (r *Registry) Subscribed(sig syscall.Signal) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed[sig]
}

// Len returns the number of callbacks registered for sig.
func (r *Registry) Len(sig syscall.Signal) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[sig])
}

// OnArrival registers a hook invoked from the forwarding goroutine as soon as a signal
// arrives, before it is handled. Hooks must not block and must not touch state owned by
// the checkpoint goroutine.
func (r *Registry) OnArrival(fn func(os.Signal)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Handle synchronously invokes every callback registered for sig in priority order.
func (r *Registry) Handle(sig syscall.Signal) {
	r.mu.Lock()
	list := append([]entry(nil), r.handlers[sig]...)
	r.mu.Unlock()
	for _, e := range list {
		e.fn()
	}
}

// Inject queues sig as if it had been delivered by the OS.
func (r *Registry) Inject(sig syscall.Signal) {
	r.enqueue(sig)
}

// Pending returns the number of deliveries waiting for the next checkpoint.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Tick is the checkpoint: it drains queued deliveries and handles each in arrival order.
// It returns the number of deliveries handled.
func (r *Registry) Tick() int {
	r.mu.Lock()
	q := r.queue
	r.queue = nil
	r.mu.Unlock()
	for _, sig := range q {
		r.logger.Debug("dispatching signal", "signal", sig.String())
		r.Handle(sig)
	}
	return len(q)
}

// Close removes the OS subscriptions and stops the forwarding goroutine.
// Queued deliveries are dropped.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.queue = nil
	subscribed := len(r.subscribed) > 0
	r.mu.Unlock()
	if subscribed {
		r.stop(r.ch)
	}
	close(r.done)
}

func (r *Registry) forward() {
	for {
		select {
		case <-r.done:
			return
		case s := <-r.ch:
			sig, ok := s.(syscall.Signal)
			if !ok {
				continue
			}
			r.enqueue(sig)
		}
	}
}

func (r *Registry) enqueue(sig syscall.Signal) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, sig)
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()
	for _, h := range hooks {
		h(sig)
	}
}
