package process

import (
	"context"
	"sync"
	"time"
)

// Phase is the internal lifecycle state of a Handle.
type Phase string

const (
	PhaseStarting   Phase = "starting"
	PhaseRunning    Phase = "running"
	PhaseCompleting Phase = "completing"
	PhaseStopping   Phase = "stopping"
	PhaseTerminated Phase = "terminated"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeStopped Outcome = "stopped"
)

// Result is available from Handle.Result once Done is closed.
type Result struct {
	Outcome    Outcome
	ExitCode   int
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Handle represents one in-flight process bound to a slot.
// ID, Slot and Command are immutable; the rest is read through methods.
type Handle struct {
	ID      string
	Slot    string
	Command string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	phase     Phase
	pid       int
	startedAt time.Time
	result    Result

	waitErr error
	exited  chan struct{} // closed once cmd.Wait returned
	done    chan struct{} // closed by the finalizer
}

func newHandle(id, slot, command string) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		ID:      id,
		Slot:    slot,
		Command: command,
		ctx:     ctx,
		cancel:  cancel,
		phase:   PhaseStarting,
		exited:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Cancel requests a stop. It is idempotent and a no-op after the process exited.
func (h *Handle) Cancel() {
	if h != nil {
		h.cancel()
	}
}

// Done is closed after the finalizer ran: the slot state is stopped and the
// handle has been released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome. Only meaningful after Done is closed.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func (h *Handle) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// setPhase moves the handle forward. Terminated is absorbing.
func (h *Handle) setPhase(p Phase) {
	h.mu.Lock()
	if h.phase != PhaseTerminated {
		h.phase = p
	}
	h.mu.Unlock()
}

func (h *Handle) setStarted(pid int, at time.Time) {
	h.mu.Lock()
	h.pid = pid
	h.startedAt = at
	h.phase = PhaseRunning
	h.mu.Unlock()
}

func (h *Handle) setResult(out Outcome, code int, err error) {
	h.mu.Lock()
	h.result.Outcome = out
	h.result.ExitCode = code
	h.result.Err = err
	h.mu.Unlock()
}
