package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/loykin/procd/internal/faults"
	"github.com/loykin/procd/internal/store"
	pg "github.com/loykin/procd/internal/store/postgres"
	sq "github.com/loykin/procd/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN without touching the database.
// Supported:
//   - sqlite:  "sqlite:///<path>", "sqlite://:memory:" or a bare filepath
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return nil, faults.Invalid("empty store DSN")
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	default:
		return sq.New(d)
	}
}

// Open is NewFromDSN followed by EnsureSchema; the store is closed if the schema step fails.
func Open(ctx context.Context, dsn string) (store.Store, error) {
	s, err := NewFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}
	return s, nil
}
