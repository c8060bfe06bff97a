package factory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loykin/procd/internal/faults"
	"github.com/loykin/procd/internal/store"
)

func TestFactoryDSNSelection(t *testing.T) {
	if _, err := NewFromDSN(""); !errors.Is(err, faults.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty DSN, got %v", err)
	}
	// sql.Open does not connect, so a postgres DSN yields a store without a server
	pg, err := NewFromDSN("postgres://user@localhost/db")
	if err != nil || pg == nil {
		t.Fatalf("postgres dsn: err=%v obj=%T", err, pg)
	}
	_ = pg.Close()
	s1, err := NewFromDSN("sqlite://:memory:")
	if err != nil || s1 == nil {
		t.Fatalf("sqlite scheme: err=%v obj=%T", err, s1)
	}
	_ = s1.Close()
	s2, err := NewFromDSN(":memory:")
	if err != nil || s2 == nil {
		t.Fatalf("bare sqlite: err=%v obj=%T", err, s2)
	}
	_ = s2.Close()
}

func TestOpenEnsuresSchema(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "c.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Put(ctx, store.Record{Role: "r", PID: 7}); err != nil {
		t.Fatalf("put after open: %v", err)
	}
}
