package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/procd/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serialises writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks from other processes
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS control_record(
			role TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Put(ctx context.Context, rec store.Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control_record(role, pid, run_id, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(role) DO UPDATE SET
			pid=excluded.pid,
			run_id=excluded.run_id,
			updated_at=excluded.updated_at;`,
		rec.Role, rec.PID, rec.RunID, rec.UpdatedAt.UTC())
	return err
}

func (s *DB) Get(ctx context.Context, role string) (store.Record, error) {
	var r store.Record
	err := s.db.QueryRowContext(ctx, `
		SELECT role, pid, run_id, updated_at
		FROM control_record
		WHERE role=?;`, role).Scan(&r.Role, &r.PID, &r.RunID, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, fmt.Errorf("role %q: %w", role, store.ErrNotFound)
	}
	return r, err
}

func (s *DB) Delete(ctx context.Context, role string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM control_record WHERE role=?;`, role)
	return err
}
