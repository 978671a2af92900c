package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/loykin/slotr/internal/env"
	"github.com/loykin/slotr/internal/history"
	"github.com/loykin/slotr/internal/logstore"
	"github.com/loykin/slotr/internal/metrics"
	"github.com/loykin/slotr/internal/process"
	"github.com/loykin/slotr/internal/store"
)

var (
	// ErrUnknownSlot is returned for slot names that were not configured.
	ErrUnknownSlot = errors.New("unknown slot")
	// ErrAlreadyRunning is returned by Start when the slot is busy.
	ErrAlreadyRunning = process.ErrAlreadyRunning
)

// Stop outcomes reported to callers.
const (
	StopSuccess = "success"
	StopInfo    = "info"
)

const historyTimeout = 5 * time.Second

var slotNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// SlotConfig describes one fixed slot.
type SlotConfig struct {
	Name    string
	Limits  logstore.Limits
	WorkDir string
	Env     []string
}

// Options wire the manager to its collaborators. Logs and State are required.
type Options struct {
	Slots  []SlotConfig
	Logs   *logstore.Store
	State  store.Store
	Sinks  []history.Sink
	Env    *env.Env
	Grace  time.Duration
	Logger *slog.Logger
}

// Manager enforces at most one process per slot and is the single entry
// point for starting, stopping and observing slots.
type Manager struct {
	logs  *logstore.Store
	state store.Store
	sinks []history.Sink
	envM  *env.Env
	log   *slog.Logger

	names []string
	slots map[string]*slot

	// pending history sends
	hist sync.WaitGroup
}

type slot struct {
	mu     sync.Mutex
	cfg    SlotConfig
	runner *process.Runner
	events eventQueue
}

// eventQueue delivers one slot's history events in order. A drain goroutine
// runs only while events are pending.
type eventQueue struct {
	mu      sync.Mutex
	pending []history.Event
	active  bool
}

// StartResult describes a launched process.
type StartResult struct {
	Slot      string    `json:"slot"`
	RunID     string    `json:"run_id"`
	Command   string    `json:"command"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// StopResult mirrors the status/message envelope returned to HTTP callers.
type StopResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Status is the reconciled view of one slot.
type Status struct {
	Slot      string         `json:"slot"`
	Running   bool           `json:"running"`
	Command   string         `json:"command"`
	StartedAt *time.Time     `json:"start_time"`
	PID       int            `json:"pid,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Usage     *process.Usage `json:"usage,omitempty"`
}

// TailResult is what pollers receive.
type TailResult struct {
	Slot    string   `json:"slot"`
	Lines   []string `json:"lines"`
	Running bool     `json:"running"`
}

func New(opts Options) (*Manager, error) {
	if opts.Logs == nil {
		return nil, errors.New("manager: log store required")
	}
	if opts.State == nil {
		return nil, errors.New("manager: state store required")
	}
	if len(opts.Slots) == 0 {
		return nil, errors.New("manager: no slots configured")
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	e := opts.Env
	if e == nil {
		e = env.New()
	}
	m := &Manager{
		logs:  opts.Logs,
		state: opts.State,
		sinks: append([]history.Sink(nil), opts.Sinks...),
		envM:  e,
		log:   l,
		slots: make(map[string]*slot, len(opts.Slots)),
	}
	if opts.Logs.OnEvent == nil {
		opts.Logs.OnEvent = onLogEvent
	}
	for _, sc := range opts.Slots {
		if !slotNameRe.MatchString(sc.Name) {
			return nil, fmt.Errorf("manager: invalid slot name %q", sc.Name)
		}
		if _, dup := m.slots[sc.Name]; dup {
			return nil, fmt.Errorf("manager: duplicate slot %q", sc.Name)
		}
		opts.Logs.SetLimits(sc.Name, sc.Limits)
		m.slots[sc.Name] = &slot{
			cfg: sc,
			runner: process.NewRunner(sc.Name, process.Options{
				Logs:          opts.Logs,
				State:         opts.State,
				Grace:         opts.Grace,
				Logger:        l,
				OnStart:       m.onStart,
				OnFinish:      m.onFinish,
				OnAppendError: func(slot string, _ error) { metrics.IncLogAppendError(slot) },
			}),
		}
		m.names = append(m.names, sc.Name)
	}
	return m, nil
}

func onLogEvent(slot string, ev logstore.Event) {
	switch ev {
	case logstore.EventSizeCleared:
		metrics.IncLogTruncation(slot, "size")
	case logstore.EventLineTruncated:
		metrics.IncLogTruncation(slot, "lines")
	}
}

// Slots returns the configured slot names in configuration order.
func (m *Manager) Slots() []string { return append([]string(nil), m.names...) }

func (m *Manager) slot(name string) (*slot, error) {
	s := m.slots[name]
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSlot, name)
	}
	return s, nil
}

// Start launches spec in slot. It returns ErrAlreadyRunning without spawning
// anything when the slot is busy, and returns once the process exists.
func (m *Manager) Start(ctx context.Context, name string, spec process.Spec) (StartResult, error) {
	s, err := m.slot(name)
	if err != nil {
		return StartResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runner.Current() != nil {
		return StartResult{}, ErrAlreadyRunning
	}
	spec.Slot = name
	if spec.WorkDir == "" {
		spec.WorkDir = s.cfg.WorkDir
	}
	spec.Env = m.envM.WithKVs(s.cfg.Env).Merge(spec.Env)

	h, err := s.runner.Start(ctx, spec)
	if err != nil {
		var le *process.LaunchError
		if errors.As(err, &le) {
			metrics.IncLaunchFailure(name)
		}
		return StartResult{}, err
	}
	return StartResult{Slot: name, RunID: h.ID, Command: h.Command, PID: h.PID(), StartedAt: h.StartedAt()}, nil
}

// Stop cancels the slot's process. An idle slot is not an error.
// It returns without waiting for the process to exit.
func (m *Manager) Stop(ctx context.Context, name string) (StopResult, error) {
	s, err := m.slot(name)
	if err != nil {
		return StopResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.runner.Current()
	if h == nil {
		m.correctStale(ctx, s)
		return StopResult{Status: StopInfo, Message: fmt.Sprintf("No %s process is running.", name)}, nil
	}
	h.Cancel()
	metrics.IncStop(name)
	metrics.RecordStateTransition(name, string(process.PhaseRunning), string(process.PhaseStopping))
	m.log.Info("stop requested", "slot", name, "run_id", h.ID)
	return StopResult{Status: StopSuccess, Message: fmt.Sprintf("%s process stopped by user.", name)}, nil
}

// Status returns the registry record reconciled against the live handle.
// With detailed set, CPU and memory of the live process are sampled.
func (m *Manager) Status(ctx context.Context, name string, detailed bool) (Status, error) {
	s, err := m.slot(name)
	if err != nil {
		return Status{}, err
	}
	rec, err := m.state.Get(ctx, name)
	if err != nil {
		return Status{}, fmt.Errorf("read state %s: %w", name, err)
	}
	if h := s.runner.Current(); h != nil {
		started := h.StartedAt()
		st := Status{
			Slot: name, Running: true, Command: h.Command, StartedAt: &started,
			PID: h.PID(), RunID: h.ID, Phase: string(h.Phase()),
		}
		if detailed {
			if u, err := h.Usage(); err == nil {
				st.Usage = &u
			}
		}
		return st, nil
	}
	if rec.Running {
		s.mu.Lock()
		m.correctStale(ctx, s)
		s.mu.Unlock()
	}
	return Status{Slot: name}, nil
}

// correctStale resets a running record that has no live handle.
// The caller holds s.mu.
func (m *Manager) correctStale(ctx context.Context, s *slot) bool {
	if s.runner.Current() != nil {
		return false
	}
	rec, err := m.state.Get(ctx, s.cfg.Name)
	if err != nil || !rec.Running {
		return false
	}
	if err := m.state.SetStopped(ctx, s.cfg.Name); err != nil {
		m.log.Error("correct stale state", "slot", s.cfg.Name, "error", err)
		return false
	}
	metrics.IncStaleCorrection(s.cfg.Name)
	m.log.Warn("stale running state corrected", "slot", s.cfg.Name, "command", rec.Command)
	return true
}

// StatusAll returns every configured slot in configuration order.
func (m *Manager) StatusAll(ctx context.Context) ([]Status, error) {
	return m.StatusMatch(ctx, "*")
}

// StatusMatch returns statuses for slots whose name matches the wildcard pattern.
// Supported wildcard: '*' matches any substring (including empty).
func (m *Manager) StatusMatch(ctx context.Context, pattern string) ([]Status, error) {
	out := make([]Status, 0, len(m.names))
	for _, n := range m.names {
		if !wildcardMatch(n, pattern) {
			continue
		}
		st, err := m.Status(ctx, n, false)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Tail returns the last n log lines and whether the slot is running.
// Log read failures degrade to an empty result.
func (m *Manager) Tail(_ context.Context, name string, n int) (TailResult, error) {
	s, err := m.slot(name)
	if err != nil {
		return TailResult{}, err
	}
	lines, err := m.logs.TailLines(name, n)
	if err != nil {
		m.log.Warn("tail log", "slot", name, "error", err)
		lines = []string{}
	}
	return TailResult{Slot: name, Lines: lines, Running: s.runner.Current() != nil}, nil
}

// ReadAll returns the raw log of slot. The error wraps os.ErrNotExist when
// the slot has no log yet.
func (m *Manager) ReadAll(name string) ([]byte, error) {
	if _, err := m.slot(name); err != nil {
		return nil, err
	}
	return m.logs.ReadAll(name)
}

// Reconcile corrects every stale running record. Meant for startup, where
// any running record is left over from a previous server process.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	n := 0
	for _, name := range m.names {
		s := m.slots[name]
		s.mu.Lock()
		if m.correctStale(ctx, s) {
			n++
		}
		s.mu.Unlock()
	}
	return n, ctx.Err()
}

// SampleUsage publishes CPU and memory gauges for every live process.
func (m *Manager) SampleUsage() {
	for _, name := range m.names {
		h := m.slots[name].runner.Current()
		if h == nil {
			continue
		}
		if u, err := h.Usage(); err == nil {
			metrics.SetUsage(name, u.CPUPercent, u.RSSBytes)
		}
	}
}

// RunUsageSampler calls SampleUsage every interval until ctx is done.
func (m *Manager) RunUsageSampler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.SampleUsage()
		}
	}
}

// Shutdown cancels every live process and waits for their finalizers and
// pending history sends, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	var handles []*process.Handle
	for _, name := range m.names {
		s := m.slots[name]
		s.mu.Lock()
		if h := s.runner.Current(); h != nil {
			h.Cancel()
			handles = append(handles, h)
		}
		s.mu.Unlock()
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return fmt.Errorf("shutdown: %w", ctx.Err())
		}
	}
	done := make(chan struct{})
	go func() {
		m.hist.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// onStart runs from Runner.Start before output capture begins, so it always
// precedes onFinish for the same handle.
func (m *Manager) onStart(h *process.Handle) {
	metrics.IncStart(h.Slot)
	metrics.SetRunning(h.Slot, true)
	metrics.RecordStateTransition(h.Slot, string(process.PhaseStarting), string(process.PhaseRunning))

	started := h.StartedAt().UTC()
	m.emit(h.Slot, history.Event{
		Type:       history.EventRegistered,
		OccurredAt: started,
		Run: history.Run{
			ID: h.ID, Slot: h.Slot, Command: h.Command, PID: h.PID(),
			StartedAt: started, Outcome: history.OutcomeRunning,
		},
	})
}

// onFinish runs from the runner's finalizer.
func (m *Manager) onFinish(h *process.Handle, res process.Result) {
	metrics.SetRunning(h.Slot, false)
	metrics.ClearUsage(h.Slot)
	metrics.ObserveFinish(h.Slot, string(res.Outcome), res.FinishedAt.Sub(res.StartedAt).Seconds())
	metrics.RecordStateTransition(h.Slot, string(process.PhaseRunning), string(process.PhaseTerminated))

	finished := res.FinishedAt.UTC()
	run := history.Run{
		ID: h.ID, Slot: h.Slot, Command: h.Command, PID: h.PID(),
		StartedAt: res.StartedAt, FinishedAt: &finished,
		Outcome: history.Outcome(res.Outcome), ExitCode: res.ExitCode,
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	m.emit(h.Slot, history.Event{Type: history.EventFinished, OccurredAt: finished, Run: run})
}

// emit queues e for the sinks. Events of one slot reach every sink in the
// order they were emitted.
func (m *Manager) emit(slot string, e history.Event) {
	s := m.slots[slot]
	if len(m.sinks) == 0 || s == nil {
		return
	}
	q := &s.events
	q.mu.Lock()
	q.pending = append(q.pending, e)
	if q.active {
		q.mu.Unlock()
		return
	}
	q.active = true
	m.hist.Add(1)
	q.mu.Unlock()
	go m.drainEvents(q)
}

func (m *Manager) drainEvents(q *eventQueue) {
	defer m.hist.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.active = false
			q.pending = nil
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		m.send(e)
	}
}

func (m *Manager) send(e history.Event) {
	for _, s := range m.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		if err := s.Send(ctx, e); err != nil {
			m.log.Warn("history send failed", "slot", e.Run.Slot, "event", e.Type, "error", err)
		}
		cancel()
	}
}

// wildcardMatch matches name against a pattern with '*' wildcard (glob-like, case-sensitive).
func wildcardMatch(name, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return name == pattern
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	if parts[0] != "" {
		if !strings.HasPrefix(name, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	for i := 1; i < len(parts)-1; i++ {
		p := parts[i]
		if p == "" {
			continue
		}
		j := strings.Index(name[idx:], p)
		if j < 0 {
			return false
		}
		idx += j + len(p)
	}
	last := parts[len(parts)-1]
	if last != "" {
		return strings.HasSuffix(name, last) && idx <= len(name)-len(last)
	}
	return true
}
