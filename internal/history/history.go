package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart          EventType = "start"
	EventExit           EventType = "exit"
	EventSignal         EventType = "signal"
	EventRestart        EventType = "restart"
	EventRestartTimeout EventType = "restart_timeout"
	EventReload         EventType = "reload"
	EventFault          EventType = "fault"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Role       string    `json:"role"`
	PID        int       `json:"pid"`
	RunID      string    `json:"run_id,omitempty"`
	// Detail carries the signal name, exit code or error text, depending on Type.
	Detail string `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit sends e to s if s is set, stamping OccurredAt when missing. Failures are logged and
// never returned: history is best effort and must not change process control flow.
func Emit(ctx context.Context, s Sink, logger *slog.Logger, e Event) {
	if s == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := s.Send(ctx, e); err != nil && logger != nil {
		logger.Warn("history send failed", "type", e.Type, "role", e.Role, "pid", e.PID, "error", err)
	}
}
