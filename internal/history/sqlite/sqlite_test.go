package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/procd/internal/history"
)

func TestSQLiteSinkSendAndRecent(t *testing.T) {
	s, err := New("sqlite://" + filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	now := time.Now().UTC()
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: now, Role: "worker", PID: 10, RunID: "r1"},
		{Type: history.EventSignal, OccurredAt: now, Role: "worker", PID: 10, Detail: "terminated"},
		{Type: history.EventExit, OccurredAt: now, Role: "worker", PID: 10, Detail: "0"},
		{Type: history.EventStart, OccurredAt: now, Role: "other", PID: 11},
	}
	for _, e := range events {
		if err := s.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	got, err := s.Recent(ctx, "worker", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != history.EventExit || got[1].Type != history.EventSignal {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[1].Detail != "terminated" {
		t.Fatalf("detail lost: %+v", got[1])
	}
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	if _, err := New(" "); err == nil {
		t.Fatalf("expected error")
	}
}
