package control

import (
	"context"
	"errors"

	"github.com/loykin/procd/internal/store"
)

// Store keeps the record as one SQL row per role.
type Store struct {
	db    store.Store
	role  string
	owned bool
}

// NewStore returns a strategy over the row for role in db. The caller keeps ownership of db.
func NewStore(db store.Store, role string, opts ...Option) *Cached {
	return New(&Store{db: db, role: role}, opts...)
}

func (s *Store) Load(ctx context.Context) (Entry, bool, error) {
	rec, err := s.db.Get(ctx, s.role)
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if rec.PID <= 0 {
		return Entry{PID: rec.PID}, true, ErrCorrupt
	}
	return Entry{PID: rec.PID, RunID: rec.RunID}, true, nil
}

func (s *Store) Save(ctx context.Context, e Entry) error {
	return s.db.Put(ctx, store.Record{Role: s.role, PID: e.PID, RunID: e.RunID})
}

func (s *Store) Remove(ctx context.Context) error { return s.db.Delete(ctx, s.role) }

func (s *Store) Describe() string { return "store:" + s.role }

// Close closes the database when the backend opened it itself (see FromDSN).
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
