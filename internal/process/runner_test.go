//go:build !windows

package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/slotr/internal/logstore"
)

type stateCall struct {
	running bool
	command string
}

type fakeState struct {
	mu    sync.Mutex
	calls []stateCall
	err   error
}

func (f *fakeState) SetRunning(_ context.Context, _ string, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, stateCall{running: true, command: command})
	return f.err
}

func (f *fakeState) SetStopped(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, stateCall{})
	return f.err
}

func (f *fakeState) snapshot() []stateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stateCall(nil), f.calls...)
}

type harness struct {
	runner   *Runner
	logs     *logstore.Store
	state    *fakeState
	finished atomic.Int32
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()
	logs, err := logstore.New(t.TempDir(), logstore.Limits{})
	require.NoError(t, err)
	h := &harness{logs: logs, state: &fakeState{}}
	h.runner = NewRunner("terminal", Options{
		Logs:     logs,
		State:    h.state,
		Grace:    grace,
		OnFinish: func(*Handle, Result) { h.finished.Add(1) },
	})
	return h
}

func (h *harness) tail(t *testing.T) []string {
	t.Helper()
	lines, err := h.logs.TailLines("terminal", 100)
	require.NoError(t, err)
	return lines
}

func waitDone(t *testing.T, hd *Handle, d time.Duration) {
	t.Helper()
	select {
	case <-hd.Done():
	case <-time.After(d):
		t.Fatalf("handle not finished within %s", d)
	}
}

func checkSysProcAttrs(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Fatalf("SysProcAttr Setpgid not set")
	}
}

func TestConfigureSysProcAttr(t *testing.T) {
	s := Spec{Command: "echo hello"}
	cmd := s.BuildCommand()
	configureSysProcAttr(cmd)
	checkSysProcAttrs(t, cmd)
}

func TestRunner_EchoCompletes(t *testing.T) {
	h := newHarness(t, time.Second)
	hd, err := h.runner.Start(context.Background(), Spec{Command: "echo hello"})
	require.NoError(t, err)
	waitDone(t, hd, 5*time.Second)

	assert.Equal(t, []string{"hello", LineSuccess}, h.tail(t))
	res := hd.Result()
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
	assert.Equal(t, PhaseTerminated, hd.Phase())
	assert.Nil(t, h.runner.Current())
	assert.Equal(t, []stateCall{{running: true, command: "echo hello"}, {}}, h.state.snapshot())
	assert.Equal(t, int32(1), h.finished.Load())
}

func TestRunner_NonZeroExit(t *testing.T) {
	h := newHarness(t, time.Second)
	hd, err := h.runner.Start(context.Background(), Spec{Command: "echo oops; exit 3"})
	require.NoError(t, err)
	waitDone(t, hd, 5*time.Second)

	assert.Equal(t, []string{"oops", LineFailure(3)}, h.tail(t))
	res := hd.Result()
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, 3, res.ExitCode)
	assert.Error(t, res.Err)
}

func TestRunner_StderrIsCaptured(t *testing.T) {
	h := newHarness(t, time.Second)
	hd, err := h.runner.Start(context.Background(), Spec{Args: []string{"/bin/sh", "-c", "echo out; echo err 1>&2"}})
	require.NoError(t, err)
	waitDone(t, hd, 5*time.Second)
	assert.ElementsMatch(t, []string{"out", "err", LineSuccess}, h.tail(t))
}

func TestRunner_LaunchFailure(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.logs.Append("terminal", "previous run"))

	hd, err := h.runner.Start(context.Background(), Spec{Args: []string{"/nonexistent/definitely-not-here"}})
	require.Error(t, err)
	assert.Nil(t, hd)
	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "terminal", le.Slot)

	assert.Nil(t, h.runner.Current())
	assert.Equal(t, []stateCall{{}}, h.state.snapshot())
	// the previous log is left alone
	assert.Equal(t, []string{"previous run"}, h.tail(t))
	assert.Zero(t, h.finished.Load())

	// the slot is usable again
	hd, err = h.runner.Start(context.Background(), Spec{Command: "true"})
	require.NoError(t, err)
	waitDone(t, hd, 5*time.Second)
}

func TestRunner_EmptyCommand(t *testing.T) {
	h := newHarness(t, time.Second)
	_, err := h.runner.Start(context.Background(), Spec{Command: "  "})
	assert.ErrorIs(t, err, ErrEmptyCommand)
	assert.Empty(t, h.state.snapshot())
}

func TestRunner_AlreadyRunning(t *testing.T) {
	h := newHarness(t, time.Second)
	hd, err := h.runner.Start(context.Background(), Spec{Command: "sleep 30"})
	require.NoError(t, err)
	t.Cleanup(func() { hd.Cancel(); <-hd.Done() })

	_, err = h.runner.Start(context.Background(), Spec{Command: "echo second"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Same(t, hd, h.runner.Current())
}

func TestRunner_CancelStopsProcess(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	hd, err := h.runner.Start(context.Background(), Spec{Command: "echo first; sleep 30"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		lines, _ := h.logs.TailLines("terminal", 10)
		return len(lines) == 1 && lines[0] == "first"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, PhaseRunning, hd.Phase())

	start := time.Now()
	hd.Cancel()
	waitDone(t, hd, 5*time.Second)
	assert.Less(t, time.Since(start), 2*time.Second, "SIGTERM should be enough")

	assert.Equal(t, []string{"first", LineStopped}, h.tail(t))
	assert.Equal(t, OutcomeStopped, hd.Result().Outcome)
	assert.Nil(t, h.runner.Current())
}

func TestRunner_CancelEscalatesToKill(t *testing.T) {
	grace := 300 * time.Millisecond
	h := newHarness(t, grace)
	hd, err := h.runner.Start(context.Background(), Spec{Command: `trap "" TERM; echo ready; while true; do sleep 0.05; done`})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		lines, _ := h.logs.TailLines("terminal", 10)
		return len(lines) > 0 && lines[0] == "ready"
	}, 5*time.Second, 20*time.Millisecond)

	start := time.Now()
	hd.Cancel()
	waitDone(t, hd, grace+killWait+time.Second)
	assert.GreaterOrEqual(t, time.Since(start), grace)

	lines := h.tail(t)
	assert.Equal(t, LineStopped, lines[len(lines)-1])
	assert.Equal(t, OutcomeStopped, hd.Result().Outcome)
}

func TestRunner_CancelIsIdempotent(t *testing.T) {
	h := newHarness(t, time.Second)
	hd, err := h.runner.Start(context.Background(), Spec{Command: "sleep 30"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.runner.Cancel(hd)
		}()
	}
	wg.Wait()
	waitDone(t, hd, 5*time.Second)

	// after exit, and with nil
	hd.Cancel()
	h.runner.Cancel(nil)

	stopped := 0
	for _, l := range h.tail(t) {
		if l == LineStopped {
			stopped++
		}
	}
	assert.Equal(t, 1, stopped)
	assert.Equal(t, int32(1), h.finished.Load())
	assert.Equal(t, PhaseTerminated, hd.Phase())
}

func TestRunner_ClearsPreviousLogOnStart(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.logs.Append("terminal", "stale"))
	hd, err := h.runner.Start(context.Background(), Spec{Command: "echo fresh"})
	require.NoError(t, err)
	waitDone(t, hd, 5*time.Second)
	assert.Equal(t, []string{"fresh", LineSuccess}, h.tail(t))
}

func TestRunner_StateErrorsDoNotBlockRun(t *testing.T) {
	h := newHarness(t, time.Second)
	h.state.err = errors.New("db down")
	hd, err := h.runner.Start(context.Background(), Spec{Command: "echo still works"})
	require.NoError(t, err)
	waitDone(t, hd, 5*time.Second)
	assert.Equal(t, []string{"still works", LineSuccess}, h.tail(t))
}

func TestRunner_BackgroundChildDoesNotHangCompletion(t *testing.T) {
	h := newHarness(t, time.Second)
	// the grandchild keeps the pipe open after the shell exits
	hd, err := h.runner.Start(context.Background(), Spec{Command: "sleep 3 & echo parent done"})
	require.NoError(t, err)
	waitDone(t, hd, drainTimeout+2*time.Second)
	lines := h.tail(t)
	assert.Equal(t, LineSuccess, lines[len(lines)-1])
}

func TestRunner_Usage(t *testing.T) {
	h := newHarness(t, time.Second)
	hd, err := h.runner.Start(context.Background(), Spec{Command: "sleep 30"})
	require.NoError(t, err)
	t.Cleanup(func() { hd.Cancel(); <-hd.Done() })

	u, err := hd.Usage()
	require.NoError(t, err)
	assert.Greater(t, u.RSSBytes, uint64(0))
}

func TestRunner_OutputBufferedAtExitIsKept(t *testing.T) {
	h := newHarness(t, time.Second)
	hd, err := h.runner.Start(context.Background(), Spec{Command: "seq 1 30000"})
	require.NoError(t, err)
	waitDone(t, hd, 60*time.Second)

	assert.Equal(t, OutcomeSuccess, hd.Result().Outcome)
	lines, err := h.logs.TailLines("terminal", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"30000", LineSuccess}, lines)
}

func TestRunner_CarriageReturnSplitsLines(t *testing.T) {
	h := newHarness(t, time.Second)
	hd, err := h.runner.Start(context.Background(), Spec{Args: []string{"printf", `10%%\r50%%\r100%%\nwin\r\nlast`}})
	require.NoError(t, err)
	waitDone(t, hd, 5*time.Second)
	assert.Equal(t, []string{"10%", "50%", "100%", "win", "last", LineSuccess}, h.tail(t))
}

func TestRunner_LongLineIsCut(t *testing.T) {
	h := newHarness(t, time.Second)
	const total = 3*maxLineBytes + 100
	hd, err := h.runner.Start(context.Background(), Spec{Command: fmt.Sprintf("head -c %d /dev/zero | tr '\\0' x", total)})
	require.NoError(t, err)
	waitDone(t, hd, 10*time.Second)

	lines := h.tail(t)
	require.Len(t, lines, 5)
	got := 0
	for _, l := range lines[:4] {
		assert.LessOrEqual(t, len(l), maxLineBytes)
		got += len(l)
	}
	assert.Equal(t, total, got)
	assert.Equal(t, LineSuccess, lines[4])
}

type failingLogs struct {
	appends atomic.Int32
}

func (f *failingLogs) Clear(string) error { return nil }

func (f *failingLogs) Append(string, string) error {
	f.appends.Add(1)
	return errors.New("disk full")
}

func TestRunner_AppendErrorsKeepCapturing(t *testing.T) {
	logs := &failingLogs{}
	state := &fakeState{}
	var appendErrs atomic.Int32
	var finished atomic.Int32
	r := NewRunner("terminal", Options{
		Logs:          logs,
		State:         state,
		Grace:         time.Second,
		OnAppendError: func(string, error) { appendErrs.Add(1) },
		OnFinish:      func(*Handle, Result) { finished.Add(1) },
	})
	hd, err := r.Start(context.Background(), Spec{Command: "echo one; echo two; exit 2"})
	require.NoError(t, err)
	waitDone(t, hd, 5*time.Second)

	res := hd.Result()
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, 2, res.ExitCode)
	// two output lines and the status line
	assert.Equal(t, int32(3), logs.appends.Load())
	assert.Equal(t, int32(3), appendErrs.Load())
	assert.Equal(t, int32(1), finished.Load())
	assert.Equal(t, []stateCall{{running: true, command: "echo one; echo two; exit 2"}, {}}, state.snapshot())
}

func TestRunner_CancelAfterNaturalExitIsNoop(t *testing.T) {
	h := newHarness(t, time.Second)
	// the background sleep holds the pipe open after the shell exits
	hd, err := h.runner.Start(context.Background(), Spec{Command: "sleep 2 & echo bye"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		lines, _ := h.logs.TailLines("terminal", 10)
		return len(lines) == 1 && lines[0] == "bye"
	}, 5*time.Second, 10*time.Millisecond)
	select {
	case <-hd.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
	}
	hd.Cancel()
	waitDone(t, hd, 5*time.Second)

	assert.Equal(t, OutcomeSuccess, hd.Result().Outcome)
	assert.Equal(t, []string{"bye", LineSuccess}, h.tail(t))
}

func TestRunner_OnStartPrecedesOnFinish(t *testing.T) {
	logs, err := logstore.New(t.TempDir(), logstore.Limits{})
	require.NoError(t, err)
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	r := NewRunner("terminal", Options{
		Logs:     logs,
		State:    &fakeState{},
		OnStart:  func(*Handle) { record("start") },
		OnFinish: func(*Handle, Result) { record("finish") },
	})
	for i := 0; i < 20; i++ {
		hd, err := r.Start(context.Background(), Spec{Command: "true"})
		require.NoError(t, err)
		waitDone(t, hd, 5*time.Second)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 40)
	for i := 0; i < len(order); i += 2 {
		assert.Equal(t, []string{"start", "finish"}, order[i:i+2])
	}
}
