package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record exists for a role.
var ErrNotFound = errors.New("store: record not found")

// Record is the durable ownership entry for a role: which pid currently holds it.
// Role is unique across all records. RunID identifies the start that wrote the record.
// UpdatedAt should be in UTC.
type Record struct {
	Role      string
	PID       int
	RunID     string
	UpdatedAt time.Time
}

// Store is a minimal persistence interface keeping the owning pid of a uniquely named role.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, role string) (Record, error)
	Delete(ctx context.Context, role string) error
	Close() error
}
