package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/slotr/internal/logger"
	"github.com/loykin/slotr/internal/logstore"
	"github.com/loykin/slotr/internal/process"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.Server.Listen)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, process.DefaultGracePeriod, cfg.Runner.GracePeriod)
	assert.Equal(t, logstore.DefaultMaxLines, cfg.Logs.MaxLines)
	assert.Equal(t, int64(logstore.DefaultMaxBytes), cfg.Logs.MaxBytes)
	assert.Equal(t, logger.LevelInfo, cfg.Log.Slog.Level)
	assert.Equal(t, "sqlite://slotr.db", cfg.Store.DSN)

	names := make([]string, 0, len(cfg.Slots))
	for _, s := range cfg.Slots {
		names = append(names, s.Name)
	}
	assert.Equal(t, DefaultSlots, names)
}

func TestLoad_Full(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "slotr.toml", `
env = ["TOP=tv"]

[server]
listen = "127.0.0.1:8080"
base_path = "/v1"
username = "admin"
password = "secret"

[log]
level = "debug"
format = "json"
  [log.file]
  path = "/tmp/slotr.log"
  max_backups = 5

[logs]
dir = "/var/lib/slotr/logs"
max_lines = 800

[runner]
grace_period = "2s"

[store]
dsn = "postgres://u:p@localhost/slotr"

[history]
sinks = ["sqlite:///tmp/hist.db", "opensearch://localhost:9200/runs"]

[[slots]]
name = "rclone"
workdir = "/data"
max_lines = 300

[[slots]]
name = "terminal"
env = ["A=1"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, "admin", cfg.Server.Username)
	assert.Equal(t, logger.LevelDebug, cfg.Log.Slog.Level)
	assert.Equal(t, logger.FormatJSON, cfg.Log.Slog.Format)
	assert.Equal(t, "/tmp/slotr.log", cfg.Log.File.Path)
	assert.Equal(t, 5, cfg.Log.File.MaxBackups)
	assert.Equal(t, 800, cfg.Logs.MaxLines)
	assert.Equal(t, 2*time.Second, cfg.Runner.GracePeriod)
	assert.Equal(t, "postgres://u:p@localhost/slotr", cfg.Store.DSN)
	assert.Len(t, cfg.History.Sinks, 2)
	assert.Equal(t, []string{"TOP=tv"}, cfg.Env)

	ms := cfg.ManagerSlots()
	require.Len(t, ms, 2)
	assert.Equal(t, "rclone", ms[0].Name)
	assert.Equal(t, "/data", ms[0].WorkDir)
	assert.Equal(t, 300, ms[0].Limits.MaxLines)
	assert.Equal(t, []string{"A=1"}, ms[1].Env)
	assert.Equal(t, logstore.Limits{MaxLines: 800, MaxBytes: logstore.DefaultMaxBytes}, cfg.LogLimits())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SLOTR_SERVER_LISTEN", ":9999")
	t.Setenv("SLOTR_RUNNER_GRACE_PERIOD", "750ms")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, 750*time.Millisecond, cfg.Runner.GracePeriod)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"duplicate slot": "[[slots]]\nname = \"a\"\n[[slots]]\nname = \"a\"\n",
		"unnamed slot":   "[[slots]]\nworkdir = \"/tmp\"\n",
		"missing pass":   "[server]\nusername = \"admin\"\n",
		"negative caps":  "[logs]\nmax_lines = -1\n",
		"bad toml":       "[server\n",
		"tls half pair":  "[server.tls]\nenabled = true\ncert_file = \"c.pem\"\n",
		"tls no source":  "[server.tls]\nenabled = true\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			p := writeFile(t, dir, "bad.toml", data)
			_, err := Load(p)
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestLoad_TLSPathsRelativeToConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "slotr.toml", `
[server.tls]
enabled = true
dir = "certs"
auto_generate = true
min_version = "1.3"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Server.TLS.Enabled)
	assert.True(t, cfg.Server.TLS.AutoGenerate)
	assert.Equal(t, filepath.Join(dir, "certs"), cfg.Server.TLS.Dir)
	assert.Equal(t, "1.3", cfg.Server.TLS.MinVersion)
}

func TestGlobalEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "FILE_ONLY=fv\nSHARED=file\n")
	path := writeFile(t, dir, "slotr.toml", `
env_files = [".env"]
env = ["TOP=tv", "SHARED=top"]
`)
	t.Setenv("OS_ONLY", "osv")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".env"), cfg.EnvFiles[0])

	e, err := cfg.GlobalEnv()
	require.NoError(t, err)
	m := map[string]string{}
	for _, kv := range e.Merge(nil) {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	assert.Equal(t, "osv", m["OS_ONLY"])
	assert.Equal(t, "fv", m["FILE_ONLY"])
	assert.Equal(t, "tv", m["TOP"])
	assert.Equal(t, "top", m["SHARED"])
}

func TestGlobalEnv_MissingFile(t *testing.T) {
	cfg := &Config{EnvFiles: []string{filepath.Join(t.TempDir(), "nope.env")}}
	_, err := cfg.GlobalEnv()
	assert.Error(t, err)
}
