package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/enginepool/internal/engine"
	"github.com/joao-brasil/enginepool/internal/pool"
)

const fullConfig = `
pool:
  name: quotes
  path: /var/lib/enginepool/quotes.db
  max_connections: 8
  min_connections: 2
  idle_timeout: 45s
  wait_timeout: 2s
  slow_query_threshold: 250ms
  reap_interval: 15s
  health_check_interval: 1m
  begin_mode: exclusive
tuning:
  busy_timeout: 2s
  journal_mode: WAL
  synchronous: FULL
  cache_size: -32000
  extra:
    - "PRAGMA automatic_index = OFF"
server:
  instance_id: node-a
  health_check_port: 18080
  metrics_port: 19090
redis:
  enabled: true
  addr: localhost:6379
  report_interval: 5s
`

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "quotes", cfg.Pool.Name)
	assert.Equal(t, 8, cfg.Pool.MaxConnections)
	assert.Equal(t, 45*time.Second, cfg.Pool.IdleTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.SlowQueryThreshold)
	assert.Equal(t, "exclusive", cfg.Pool.BeginMode)

	assert.Equal(t, 2*time.Second, cfg.Tuning.BusyTimeout)
	assert.Equal(t, "FULL", cfg.Tuning.Synchronous)
	assert.Equal(t, -32000, cfg.Tuning.CacheSize)
	assert.Equal(t, []string{"PRAGMA automatic_index = OFF"}, cfg.Tuning.Extra)

	assert.Equal(t, "node-a", cfg.Server.InstanceID)
	assert.Equal(t, 18080, cfg.Server.HealthCheckPort)

	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Redis.ReportInterval)
	assert.Equal(t, 15*time.Second, cfg.Redis.ReportTTL)
	assert.Equal(t, "enginepool", cfg.Redis.KeyPrefix)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("pool:\n  path: app.db\n"))
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Pool.Name)
	assert.Equal(t, 10, cfg.Pool.MaxConnections)
	assert.Equal(t, 0, cfg.Pool.MinConnections)
	assert.Equal(t, "immediate", cfg.Pool.BeginMode)
	assert.Equal(t, engine.DefaultTuning(), cfg.Tuning)
	assert.Equal(t, 8080, cfg.Server.HealthCheckPort)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.NotEmpty(t, cfg.Server.InstanceID)
	assert.False(t, cfg.Redis.Enabled)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing path", "pool:\n  max_connections: 3\n"},
		{"negative max", "pool:\n  path: a.db\n  max_connections: -1\n"},
		{"min above max", "pool:\n  path: a.db\n  max_connections: 2\n  min_connections: 5\n"},
		{"bad begin mode", "pool:\n  path: a.db\n  begin_mode: lazy\n"},
		{"redis without addr", "pool:\n  path: a.db\nredis:\n  enabled: true\n"},
		{"bad duration", "pool:\n  path: a.db\n  idle_timeout: soon\n"},
		{"not yaml", "pool: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enginepool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "quotes", cfg.Pool.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnsureDataDir(t *testing.T) {
	root := t.TempDir()
	cfg, err := Parse([]byte("pool:\n  path: " + filepath.Join(root, "data", "nested", "app.db") + "\n"))
	require.NoError(t, err)

	require.NoError(t, cfg.EnsureDataDir())
	info, err := os.Stat(filepath.Join(root, "data", "nested"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Existing directories are left alone.
	require.NoError(t, cfg.EnsureDataDir())

	blocker := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.Pool.Path = filepath.Join(blocker, "app.db")
	assert.Error(t, cfg.EnsureDataDir())
}

func TestToPoolConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	pc := cfg.ToPoolConfig(nil)
	assert.Equal(t, "quotes", pc.Name)
	assert.Equal(t, "/var/lib/enginepool/quotes.db", pc.Path)
	assert.Equal(t, 8, pc.MaxConnections)
	assert.Equal(t, 2, pc.MinConnections)
	assert.Equal(t, 2*time.Second, pc.WaitTimeout)
	assert.Equal(t, 15*time.Second, pc.ReapInterval)
	assert.Equal(t, time.Minute, pc.HealthCheckInterval)
	assert.Equal(t, pool.BeginExclusive, pc.BeginMode)
	assert.Equal(t, cfg.Tuning, pc.Tuning)
}
