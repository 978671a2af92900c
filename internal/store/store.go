package store

import (
	"context"
	"database/sql"
	"time"
)

// Record is the persisted state of one slot.
// A slot that was never written reads back as a zero Record with Running=false.
// UpdatedAt is in UTC.
type Record struct {
	Slot      string
	Running   bool
	Command   string
	StartedAt sql.NullTime
	UpdatedAt time.Time
}

// Store keeps the running flag and last command per slot so a restarted
// server (or a second process sharing the database) sees the same state.
// Implementations must be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// SetRunning marks slot as running with command. It is an upsert.
	SetRunning(ctx context.Context, slot, command string) error
	// SetStopped clears the running flag, the command and the start time.
	SetStopped(ctx context.Context, slot string) error
	Get(ctx context.Context, slot string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Close() error
}
