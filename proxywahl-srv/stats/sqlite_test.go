package stats

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *SQLiteCollector {
	t.Helper()
	c, err := NewSQLiteCollector(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSQLiteRecordSelection(t *testing.T) {
	c := newTestCollector(t)
	ctx := context.Background()

	require.NoError(t, c.RecordSelection(ctx, "10.0.0.1:52000", "example.com", 443, "corp", "rule"))
	require.NoError(t, c.RecordSelection(ctx, "10.0.0.1:52000", "example.com", 443, "corp", "affinity"))
	require.NoError(t, c.RecordSelection(ctx, "10.0.0.2:41000", "other.example", 80, "", "none"))

	count, err := c.SelectionCount(ctx, "corp")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = c.SelectionCount(ctx, "unknown")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSQLiteRecordTunnel(t *testing.T) {
	c := newTestCollector(t)
	ctx := context.Background()

	require.NoError(t, c.RecordTunnel(ctx, "socks", "example.com:443", TunnelEstablished, ""))
	require.NoError(t, c.RecordTunnel(ctx, "socks", "example.com:443", TunnelFailed, "connection refused"))

	var count int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tunnels WHERE proxy_name = ? AND result = ?`, "socks", TunnelFailed).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSQLiteHealthCheck(t *testing.T) {
	c := newTestCollector(t)
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestDummyCollector(t *testing.T) {
	c := NewDummyCollector()
	ctx := context.Background()
	assert.NoError(t, c.RecordSelection(ctx, "", "", 0, "", ""))
	assert.NoError(t, c.RecordTunnel(ctx, "", "", "", ""))
	assert.NoError(t, c.HealthCheck(ctx))
	assert.NoError(t, c.Close())
}

func TestNewCollectorFactory(t *testing.T) {
	c, err := NewCollector(BackendConfig{})
	require.NoError(t, err)
	assert.IsType(t, &DummyCollector{}, c)

	c, err = NewCollector(BackendConfig{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteCollector{}, c)
	require.NoError(t, c.Close())

	_, err = NewCollector(BackendConfig{Backend: "postgres"})
	assert.Error(t, err, "postgres requires a DSN")

	_, err = NewCollector(BackendConfig{Backend: "bogus"})
	assert.Error(t, err)
}
