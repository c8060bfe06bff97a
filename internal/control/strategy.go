// Package control records which process instance currently owns a role.
//
// Every realisation shares the same semantics through Cached: a record is a decimal pid at
// some durable location; a record whose pid is not alive is an orphan and is erased on the
// next IsRunning; once a pid is known alive it is served from cache.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loykin/procd/internal/detector"
	"github.com/loykin/procd/internal/faults"
)

// Strategy is the durable ownership record for one role.
type Strategy interface {
	// IsRunning reports whether the recorded pid is alive, erasing orphaned records.
	IsRunning(ctx context.Context) (bool, error)
	// PID returns the owning pid or faults.ErrNotRunning.
	PID(ctx context.Context) (int, error)
	// SetPID records pid as the owner; the last writer wins.
	SetPID(ctx context.Context, pid int) error
	// Clear removes the record. A missing record is not an error.
	Clear(ctx context.Context) error
	Describe() string
}

// Entry is what a Backend persists. Only the SQL backend keeps RunID.
type Entry struct {
	PID   int
	RunID string
}

// ErrCorrupt is returned by Backend.Load when the stored value is not a valid pid.
// Cached treats such a record as an orphan.
var ErrCorrupt = errors.New("control: corrupt record")

// Backend is a durable key/value location holding one Entry.
type Backend interface {
	// Load returns the entry and true, or false when no record exists.
	Load(ctx context.Context) (Entry, bool, error)
	Save(ctx context.Context, e Entry) error
	// Remove deletes the record; a missing record is not an error.
	Remove(ctx context.Context) error
	Describe() string
}

// Option configures a Cached strategy.
type Option func(*Cached)

// WithProbe replaces the liveness probe (detector.Alive by default).
func WithProbe(alive func(pid int) bool) Option {
	return func(c *Cached) {
		if alive != nil {
			c.alive = alive
		}
	}
}

// WithRunID tags saved entries with the id of the run that owns the role.
func WithRunID(id string) Option { return func(c *Cached) { c.runID = id } }

// WithLogger sets the logger used to report orphan cleanup.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cached) {
		if l != nil {
			c.logger = l
		}
	}
}

// Cached implements Strategy over a Backend.
type Cached struct {
	mu      sync.Mutex
	backend Backend
	pid     int
	runID   string
	alive   func(int) bool
	logger  *slog.Logger
}

var _ Strategy = (*Cached)(nil)

// New wraps b with the shared caching semantics.
func New(b Backend, opts ...Option) *Cached {
	c := &Cached{backend: b, alive: detector.Alive, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cached) IsRunning(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRunningLocked(ctx)
}

func (c *Cached) isRunningLocked(ctx context.Context) (bool, error) {
	e, ok, err := c.backend.Load(ctx)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return false, fmt.Errorf("%s: %w", c.backend.Describe(), err)
	}
	if ok && err == nil && c.alive(e.PID) {
		c.pid = e.PID
		return true, nil
	}
	c.pid = 0
	if !ok && err == nil {
		return false, nil
	}
	c.logger.Info("removing orphaned control record", "location", c.backend.Describe(), "pid", e.PID)
	if rerr := c.backend.Remove(ctx); rerr != nil {
		return false, fmt.Errorf("%s: remove orphan: %w", c.backend.Describe(), rerr)
	}
	return false, nil
}

func (c *Cached) PID(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pid > 0 {
		return c.pid, nil
	}
	running, err := c.isRunningLocked(ctx)
	if err != nil {
		return 0, err
	}
	if !running {
		return 0, faults.ErrNotRunning
	}
	return c.pid, nil
}

func (c *Cached) SetPID(ctx context.Context, pid int) error {
	if pid <= 0 {
		return faults.Invalid("pid %d must be positive", pid)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.backend.Save(ctx, Entry{PID: pid, RunID: c.runID}); err != nil {
		return fmt.Errorf("%s: %w", c.backend.Describe(), err)
	}
	c.pid = pid
	return nil
}

func (c *Cached) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pid = 0
	if err := c.backend.Remove(ctx); err != nil {
		return fmt.Errorf("%s: %w", c.backend.Describe(), err)
	}
	return nil
}

func (c *Cached) Describe() string { return c.backend.Describe() }

// Close releases the backend's resources when it owns any.
func (c *Cached) Close() error {
	if cl, ok := c.backend.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// parseEntry decodes a decimal pid record, mapping bad content to ErrCorrupt.
func parseEntry(data []byte) (Entry, error) {
	pid, err := detector.ParsePID(data)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Entry{PID: pid}, nil
}
