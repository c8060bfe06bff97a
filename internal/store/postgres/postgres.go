package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/procd/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS control_record(
			role TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Put(ctx context.Context, rec store.Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO control_record(role, pid, run_id, updated_at)
		VALUES($1,$2,$3,$4)
		ON CONFLICT(role) DO UPDATE SET
			pid=EXCLUDED.pid,
			run_id=EXCLUDED.run_id,
			updated_at=EXCLUDED.updated_at;`,
		rec.Role, rec.PID, rec.RunID, rec.UpdatedAt.UTC())
	return err
}

func (p *DB) Get(ctx context.Context, role string) (store.Record, error) {
	var r store.Record
	err := p.db.QueryRowContext(ctx, `
		SELECT role, pid, run_id, updated_at
		FROM control_record
		WHERE role=$1;`, role).Scan(&r.Role, &r.PID, &r.RunID, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, fmt.Errorf("role %q: %w", role, store.ErrNotFound)
	}
	return r, err
}

func (p *DB) Delete(ctx context.Context, role string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM control_record WHERE role=$1;`, role)
	return err
}
