package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/slotr/internal/store"
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
	// a single connection serializes writers and keeps ":memory:" on one database
	d.SetMaxOpenConns(1)
	// busy timeout helps when another process holds the file
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	if p != ":memory:" {
		_, _ = d.Exec("PRAGMA journal_mode=WAL;")
	}
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS slot_state(
			slot TEXT PRIMARY KEY,
			running BOOLEAN NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_slot_state_running ON slot_state(running);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) SetRunning(ctx context.Context, slot, command string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slot_state(slot, running, command, started_at, updated_at)
		VALUES(?, 1, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			running=1,
			command=excluded.command,
			started_at=excluded.started_at,
			updated_at=excluded.updated_at;`,
		slot, command, now, now)
	return err
}

func (s *DB) SetStopped(ctx context.Context, slot string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slot_state(slot, running, command, started_at, updated_at)
		VALUES(?, 0, '', NULL, ?)
		ON CONFLICT(slot) DO UPDATE SET
			running=0,
			command='',
			started_at=NULL,
			updated_at=excluded.updated_at;`,
		slot, time.Now().UTC())
	return err
}

func (s *DB) Get(ctx context.Context, slot string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT slot, running, command, started_at, updated_at
		FROM slot_state WHERE slot=?;`, slot)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{Slot: slot}, nil
	}
	return r, err
}

func (s *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slot, running, command, started_at, updated_at
		FROM slot_state ORDER BY slot;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (store.Record, error) {
	var r store.Record
	if err := sc.Scan(&r.Slot, &r.Running, &r.Command, &r.StartedAt, &r.UpdatedAt); err != nil {
		return store.Record{}, err
	}
	return r, nil
}
