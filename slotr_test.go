//go:build !windows

package slotr_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/slotr"
	"github.com/loykin/slotr/internal/history"
	hsqlite "github.com/loykin/slotr/internal/history/sqlite"
	"github.com/loykin/slotr/internal/store/sqlite"
)

type recordingSink struct {
	mu     sync.Mutex
	evs    []history.Event
	closed bool
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, e)
	return nil
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evs)
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	data := `
[logs]
dir = "` + filepath.Join(dir, "logs") + `"
max_lines = 50

[store]
dsn = "sqlite://` + filepath.Join(dir, "state.db") + `"

[history]
sinks = ["sqlite://` + filepath.Join(dir, "history.db") + `"]

[runner]
grace_period = "1s"

[[slots]]
name = "rclone"

[[slots]]
name = "terminal"
`
	p := filepath.Join(dir, "slotr.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestOpen_RunAndClose(t *testing.T) {
	dir := t.TempDir()
	cfg, err := slotr.LoadConfig(writeConfig(t, dir))
	require.NoError(t, err)

	sink := &recordingSink{}
	ctx := context.Background()
	app, err := slotr.Open(ctx, cfg, nil, sink)
	require.NoError(t, err)

	res, err := app.Start(ctx, "terminal", slotr.Spec{Command: "echo embedded"})
	require.NoError(t, err)
	assert.Equal(t, "terminal", res.Slot)

	_, err = app.Start(ctx, "missing", slotr.Spec{Command: "true"})
	assert.ErrorIs(t, err, slotr.ErrUnknownSlot)

	require.Eventually(t, func() bool {
		st, err := app.Status(ctx, "terminal")
		return err == nil && !st.Running
	}, 10*time.Second, 20*time.Millisecond)

	tail, err := app.Tail(ctx, "terminal", 10)
	require.NoError(t, err)
	assert.Equal(t, "embedded", tail.Lines[0])

	require.Eventually(t, func() bool { return sink.len() == 2 }, 5*time.Second, 20*time.Millisecond)

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, app.Close(sctx))
	sink.mu.Lock()
	assert.False(t, sink.closed, "caller-provided sink must stay open")
	sink.mu.Unlock()

	// the configured sqlite history sink saw the same events
	hs, err := hsqlite.New(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer func() { _ = hs.Close() }()
	n, err := hs.Count(ctx, "terminal")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpen_ReconcilesStaleState(t *testing.T) {
	dir := t.TempDir()
	cfg, err := slotr.LoadConfig(writeConfig(t, dir))
	require.NoError(t, err)
	ctx := context.Background()

	st, err := sqlite.New(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(ctx))
	require.NoError(t, st.SetRunning(ctx, "rclone", "rclone sync a b"))
	require.NoError(t, st.Close())

	app, err := slotr.Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = app.Close(ctx) }()

	all, err := app.StatusAll(ctx)
	require.NoError(t, err)
	for _, s := range all {
		assert.False(t, s.Running, s.Slot)
	}
}

func TestHandler(t *testing.T) {
	dir := t.TempDir()
	cfg, err := slotr.LoadConfig(writeConfig(t, dir))
	require.NoError(t, err)
	ctx := context.Background()
	app, err := slotr.Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = app.Close(ctx) }()

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, slotr.RegisterMetricsDefault())
}

func TestOpen_NilConfig(t *testing.T) {
	_, err := slotr.Open(context.Background(), nil, nil)
	assert.Error(t, err)
}
