package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/slotr/internal/store"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
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
		`CREATE TABLE IF NOT EXISTS slot_state(
			slot TEXT PRIMARY KEY,
			running BOOLEAN NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_slot_state_running ON slot_state(running);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) SetRunning(ctx context.Context, slot, command string) error {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO slot_state(slot, running, command, started_at, updated_at)
		VALUES($1, true, $2, $3, $3)
		ON CONFLICT(slot) DO UPDATE SET
			running=true,
			command=EXCLUDED.command,
			started_at=EXCLUDED.started_at,
			updated_at=EXCLUDED.updated_at;`,
		slot, command, now)
	return err
}

func (p *DB) SetStopped(ctx context.Context, slot string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO slot_state(slot, running, command, started_at, updated_at)
		VALUES($1, false, '', NULL, $2)
		ON CONFLICT(slot) DO UPDATE SET
			running=false,
			command='',
			started_at=NULL,
			updated_at=EXCLUDED.updated_at;`,
		slot, time.Now().UTC())
	return err
}

func (p *DB) Get(ctx context.Context, slot string) (store.Record, error) {
	var r store.Record
	err := p.db.QueryRowContext(ctx, `
		SELECT slot, running, command, started_at, updated_at
		FROM slot_state WHERE slot=$1;`, slot).
		Scan(&r.Slot, &r.Running, &r.Command, &r.StartedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{Slot: slot}, nil
	}
	if err != nil {
		return store.Record{}, err
	}
	return r, nil
}

func (p *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT slot, running, command, started_at, updated_at
		FROM slot_state ORDER BY slot;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]store.Record, 0)
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.Slot, &r.Running, &r.Command, &r.StartedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
