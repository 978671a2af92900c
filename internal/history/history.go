package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventRegistered EventType = "registered"
	EventFinished   EventType = "finished"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeRunning Outcome = "running"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeStopped Outcome = "stopped"
)

// Run describes one process execution in a slot.
// FinishedAt is nil and Outcome is OutcomeRunning for a registered event.
type Run struct {
	ID         string     `json:"id"`
	Slot       string     `json:"slot"`
	Command    string     `json:"command"`
	PID        int        `json:"pid"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    Outcome    `json:"outcome"`
	ExitCode   int        `json:"exit_code"`
	Error      string     `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Run        Run       `json:"run"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

func finishedAt(r Run) any {
	if r.FinishedAt == nil {
		return nil
	}
	return r.FinishedAt.UTC()
}

// Columns flattens an event into the column order used by the SQL sinks:
// occurred_at, event, run_id, slot, command, pid, started_at, finished_at,
// outcome, exit_code, error.
func Columns(e Event) []any {
	r := e.Run
	var errStr any
	if r.Error != "" {
		errStr = r.Error
	}
	return []any{
		e.OccurredAt.UTC(), string(e.Type), r.ID, r.Slot, r.Command, r.PID,
		r.StartedAt.UTC(), finishedAt(r), string(r.Outcome), r.ExitCode, errStr,
	}
}
