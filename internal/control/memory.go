package control

import (
	"context"
	"sync"
)

var (
	memMu    sync.Mutex
	memSlots = map[string]int{}
)

// Memory keeps the record in a process-wide table keyed by name, so strategies created with
// the same name observe each other. Records do not survive the process.
type Memory struct {
	name string
}

// NewMemory returns a strategy over the in-process slot called name.
func NewMemory(name string, opts ...Option) *Cached {
	return New(&Memory{name: name}, opts...)
}

func (m *Memory) Load(context.Context) (Entry, bool, error) {
	memMu.Lock()
	defer memMu.Unlock()
	pid, ok := memSlots[m.name]
	return Entry{PID: pid}, ok, nil
}

func (m *Memory) Save(_ context.Context, e Entry) error {
	memMu.Lock()
	defer memMu.Unlock()
	memSlots[m.name] = e.PID
	return nil
}

func (m *Memory) Remove(context.Context) error {
	memMu.Lock()
	defer memMu.Unlock()
	delete(memSlots, m.name)
	return nil
}

func (m *Memory) Describe() string { return "memory://" + m.name }
