package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestNew_EmptyPath(t *testing.T) {
	_, err := New("   ")
	require.Error(t, err)
}

func TestGet_UnknownSlotIsStopped(t *testing.T) {
	db := openTemp(t)
	rec, err := db.Get(context.Background(), "never")
	require.NoError(t, err)
	assert.Equal(t, "never", rec.Slot)
	assert.False(t, rec.Running)
	assert.Empty(t, rec.Command)
}

func TestSetRunningThenStopped(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()

	require.NoError(t, db.SetRunning(ctx, "rclone", "rclone sync a b"))
	rec, err := db.Get(ctx, "rclone")
	require.NoError(t, err)
	assert.True(t, rec.Running)
	assert.Equal(t, "rclone sync a b", rec.Command)
	assert.True(t, rec.StartedAt.Valid)

	require.NoError(t, db.SetStopped(ctx, "rclone"))
	rec, err = db.Get(ctx, "rclone")
	require.NoError(t, err)
	assert.False(t, rec.Running)
	assert.Empty(t, rec.Command)
	assert.False(t, rec.StartedAt.Valid)

	// SetStopped on an unknown slot is an upsert, not an error
	require.NoError(t, db.SetStopped(ctx, "terminal"))
	list, err := db.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "rclone", list[0].Slot)
	assert.Equal(t, "terminal", list[1].Slot)
}

func TestSetRunning_ReplacesCommand(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	require.NoError(t, db.SetRunning(ctx, "terminal", "ls"))
	require.NoError(t, db.SetStopped(ctx, "terminal"))
	require.NoError(t, db.SetRunning(ctx, "terminal", "pwd"))
	rec, err := db.Get(ctx, "terminal")
	require.NoError(t, err)
	assert.True(t, rec.Running)
	assert.Equal(t, "pwd", rec.Command)
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slot := fmt.Sprintf("s%d", i)
			for j := 0; j < 25; j++ {
				if err := db.SetRunning(ctx, slot, "cmd"); err != nil {
					t.Errorf("set running: %v", err)
					return
				}
				if _, err := db.Get(ctx, slot); err != nil {
					t.Errorf("get: %v", err)
					return
				}
				if err := db.SetStopped(ctx, slot); err != nil {
					t.Errorf("set stopped: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	list, err := db.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 4)
	for _, r := range list {
		assert.False(t, r.Running, r.Slot)
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()
	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))
	require.NoError(t, db.SetRunning(ctx, "rclone", "rclone ls remote:"))
	require.NoError(t, db.Close())

	db2, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })
	require.NoError(t, db2.EnsureSchema(ctx))
	rec, err := db2.Get(ctx, "rclone")
	require.NoError(t, err)
	assert.True(t, rec.Running)
}
