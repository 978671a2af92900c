package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryDSNSelection(t *testing.T) {
	_, err := NewFromDSN("  ")
	require.Error(t, err)

	// sql.Open does not connect, so a postgres DSN yields a store without a server
	pg, err := NewFromDSN("postgres://user@localhost/db")
	require.NoError(t, err)
	require.NotNil(t, pg)
	_ = pg.Close()

	s1, err := NewFromDSN("sqlite://:memory:")
	require.NoError(t, err)
	_ = s1.Close()

	s2, err := NewFromDSN(":memory:")
	require.NoError(t, err)
	_ = s2.Close()
}

func TestFactorySQLiteFileRoundTrip(t *testing.T) {
	st, err := NewFromDSN("sqlite://" + filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	require.NoError(t, st.EnsureSchema(ctx))
	require.NoError(t, st.SetRunning(ctx, "terminal", "echo hi"))
	rec, err := st.Get(ctx, "terminal")
	require.NoError(t, err)
	assert.True(t, rec.Running)
}
