package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Synthetic lines appended by the capture loop.
const (
	LineStopped = "stopped by user"
	LineSuccess = "process finished successfully (exit code 0)"
	lineFailure = "process failed (exit code %d)"
)

// LineFailure returns the status line written for a non-zero exit.
func LineFailure(code int) string { return fmt.Sprintf(lineFailure, code) }

const (
	DefaultGracePeriod = 5 * time.Second
	// how long output is drained after the child exited while the pipe is
	// still held open by a grandchild
	drainTimeout = time.Second
	// bound on the wait for the kernel to reap a SIGKILLed group
	killWait = 2 * time.Second
	// bound on registry writes issued from the finalizer
	stateTimeout = 5 * time.Second
	// longest line kept in one piece
	maxLineBytes = 64 * 1024
)

// LogSink receives captured output. *logstore.Store implements it.
type LogSink interface {
	Clear(slot string) error
	Append(slot, line string) error
}

// StateWriter persists the running flag. store.Store implements it.
type StateWriter interface {
	SetRunning(ctx context.Context, slot, command string) error
	SetStopped(ctx context.Context, slot string) error
}

// Options configure a Runner.
type Options struct {
	Logs   LogSink
	State  StateWriter
	Grace  time.Duration
	Logger *slog.Logger
	// OnStart is called once the process exists and its state is recorded,
	// before output capture begins.
	OnStart func(h *Handle)
	// OnFinish is called exactly once per started handle, from the finalizer,
	// after the slot state was set to stopped.
	OnFinish func(h *Handle, r Result)
	// OnAppendError is called when a captured line could not be stored.
	OnAppendError func(slot string, err error)
}

// Runner owns the lifecycle of at most one process for one slot.
type Runner struct {
	slot string
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	current *Handle
}

func NewRunner(slot string, opts Options) *Runner {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGracePeriod
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Runner{slot: slot, opts: opts, log: l.With("slot", slot)}
}

func (r *Runner) Slot() string { return r.slot }

// Current returns the live handle or nil.
func (r *Runner) Current() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Cancel cancels h. Safe with nil, repeated calls, and exited handles.
func (r *Runner) Cancel(h *Handle) { h.Cancel() }

// Start launches spec and returns as soon as the OS process exists.
// Output capture and the exit bookkeeping continue in the background.
func (r *Runner) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	command := spec.CommandLine()

	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	h := newHandle(uuid.NewString(), r.slot, command)
	r.current = h
	r.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, r.launchFailed(ctx, h, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, r.launchFailed(ctx, h, err)
	}
	// the child holds its own copy; ours must go so EOF can arrive
	_ = pw.Close()

	h.setStarted(cmd.Process.Pid, time.Now())
	r.log.Info("process started", "run_id", h.ID, "pid", h.PID(), "command", command)

	if err := r.opts.State.SetRunning(ctx, r.slot, command); err != nil {
		r.log.Error("record running state", "error", err)
	}
	if err := r.opts.Logs.Clear(r.slot); err != nil {
		r.log.Warn("clear log", "error", err)
	}

	if r.opts.OnStart != nil {
		r.opts.OnStart(h)
	}

	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()
	go r.capture(h, pr)
	return h, nil
}

func (r *Runner) launchFailed(ctx context.Context, h *Handle, cause error) error {
	r.mu.Lock()
	if r.current == h {
		r.current = nil
	}
	r.mu.Unlock()
	h.cancel()
	h.setPhase(PhaseTerminated)
	close(h.done)

	if err := r.opts.State.SetStopped(ctx, r.slot); err != nil {
		r.log.Error("record stopped state", "error", err)
	}
	r.log.Warn("process launch failed", "command", h.Command, "error", cause)
	return &LaunchError{Slot: r.slot, Command: h.Command, Err: cause}
}

// capture feeds the child's output into the log until EOF or cancellation.
// The deferred finalizer is the single exit path for every outcome.
func (r *Runner) capture(h *Handle, pr *os.File) {
	defer r.finalize(h)

	src := &pipeReader{r: pr}
	stop := make(chan struct{})
	lines := r.readLines(h, src, stop)
	defer func() {
		close(stop)
		_ = pr.Close()
	}()

	exited := h.exited
	var drain *time.Timer
	var drainC <-chan time.Time
	defer func() {
		if drain != nil {
			drain.Stop()
		}
	}()
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				r.complete(h)
				return
			}
			r.append(h, l)
		case <-h.ctx.Done():
			r.stop(h)
			return
		case <-exited:
			exited = nil
			drain = time.NewTimer(drainTimeout)
			drainC = drain.C
		case <-drainC:
			// only give up once the reader has been parked on an empty pipe
			// for the whole window; buffered output is still being consumed
			idle := src.idleFor()
			if idle < drainTimeout {
				drain.Reset(drainTimeout - idle)
				continue
			}
			r.log.Debug("output still open after exit, detaching", "run_id", h.ID)
			r.complete(h)
			return
		}
	}
}

// pipeReader records when the current Read started so capture can tell a
// pipe held open by a grandchild from one that still has data queued.
type pipeReader struct {
	r            io.Reader
	waitingSince atomic.Int64
}

func (p *pipeReader) Read(b []byte) (int, error) {
	p.waitingSince.Store(time.Now().UnixNano())
	n, err := p.r.Read(b)
	p.waitingSince.Store(0)
	return n, err
}

// idleFor returns how long the reader has been blocked in Read, or 0 when it
// is not reading.
func (p *pipeReader) idleFor() time.Duration {
	since := p.waitingSince.Load()
	if since == 0 {
		return 0
	}
	return time.Since(time.Unix(0, since))
}

// readLines splits rd on \n, \r and \r\n. Lines longer than maxLineBytes are
// cut into pieces of that size.
func (r *Runner) readLines(h *Handle, rd io.Reader, stop <-chan struct{}) <-chan string {
	out := make(chan string)
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	var warned bool
	sc.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
			return i + 1, data[:i], nil
		}
		if len(data) >= maxLineBytes {
			if !warned {
				warned = true
				r.log.Warn("output line exceeds limit, splitting", "run_id", h.ID, "limit", maxLineBytes)
			}
			return maxLineBytes, data[:maxLineBytes], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	})
	go func() {
		defer close(out)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-stop:
				return
			}
		}
		if err := sc.Err(); err != nil {
			r.log.Debug("read output", "run_id", h.ID, "error", err)
		}
	}()
	return out
}

func (r *Runner) append(h *Handle, line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	if err := r.opts.Logs.Append(h.Slot, line); err != nil {
		r.log.Warn("append log line", "run_id", h.ID, "error", err)
		if r.opts.OnAppendError != nil {
			r.opts.OnAppendError(h.Slot, err)
		}
	}
}

// complete handles natural end of output.
func (r *Runner) complete(h *Handle) {
	h.setPhase(PhaseCompleting)
	select {
	case <-h.exited:
	case <-h.ctx.Done():
		r.stop(h)
		return
	}
	r.classify(h)
}

// classify records the exit status of a child that exited on its own.
func (r *Runner) classify(h *Handle) {
	code := exitCode(h.waitErr)
	if code == 0 {
		r.append(h, LineSuccess)
		h.setResult(OutcomeSuccess, 0, nil)
		return
	}
	r.append(h, LineFailure(code))
	h.setResult(OutcomeFailure, code, h.waitErr)
}

// stop terminates the process group, escalating to SIGKILL after the grace period.
// A child that already exited on its own is classified instead.
func (r *Runner) stop(h *Handle) {
	select {
	case <-h.exited:
		h.setPhase(PhaseCompleting)
		r.classify(h)
		return
	default:
	}
	h.setPhase(PhaseStopping)
	pid := h.PID()
	if err := terminateGroup(pid); err != nil {
		r.log.Debug("terminate", "pid", pid, "error", err)
	}
	select {
	case <-h.exited:
	case <-time.After(r.opts.Grace):
		r.log.Warn("grace period elapsed, killing", "run_id", h.ID, "pid", pid, "grace", r.opts.Grace)
		if err := killGroup(pid); err != nil {
			r.log.Debug("kill", "pid", pid, "error", err)
		}
		select {
		case <-h.exited:
		case <-time.After(killWait):
			r.log.Error("process did not exit after kill", "run_id", h.ID, "pid", pid)
		}
	}
	r.append(h, LineStopped)
	code := -1
	select {
	case <-h.exited:
		code = exitCode(h.waitErr)
	default:
	}
	h.setResult(OutcomeStopped, code, nil)
}

// finalize runs exactly once per started handle.
func (r *Runner) finalize(h *Handle) {
	h.setPhase(PhaseTerminated)
	h.mu.Lock()
	h.result.StartedAt = h.startedAt
	h.result.FinishedAt = time.Now()
	res := h.result
	h.mu.Unlock()

	// state goes to stopped before the slot is released so a following
	// Start cannot have its running flag overwritten
	ctx, cancel := context.WithTimeout(context.Background(), stateTimeout)
	if err := r.opts.State.SetStopped(ctx, r.slot); err != nil {
		r.log.Error("record stopped state", "run_id", h.ID, "error", err)
	}
	cancel()

	r.mu.Lock()
	if r.current == h {
		r.current = nil
	}
	r.mu.Unlock()
	h.cancel()

	r.log.Info("process finished", "run_id", h.ID, "outcome", res.Outcome, "exit_code", res.ExitCode,
		"duration", res.FinishedAt.Sub(res.StartedAt))
	if r.opts.OnFinish != nil {
		r.opts.OnFinish(h, res)
	}
	close(h.done)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
