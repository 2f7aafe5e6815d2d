// ABOUTME: Tests for configuration loading and validation
// ABOUTME: Covers env expansion, duration parsing, defaults, and validation failures

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:5077"

database:
  path: "/tmp/warroom.db"
  max_bytes: 1048576

policy:
  max_rounds: 8
  timeout_sec: 30
  host_priority: true
  auto_round_robin: true

scheduler:
  debounce: "500ms"
  interactive_timeout: "10s"
  background_timeout: "45s"
  stagnation_threshold: 3
  selection: "balanced"
  tie_breaks: ["last_speaker", "cursor"]
  strong_host_bias: true

adapter:
  bin: "openclaw"
  agent_id: "main"
  alt_agent_id: "fallback"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:5077", cfg.Server.HTTPAddr)
	assert.Equal(t, int64(1048576), cfg.Database.MaxBytes)
	assert.Equal(t, 8, cfg.Policy.MaxRounds)
	assert.True(t, cfg.Policy.AutoRoundRobin)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.Debounce)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.InteractiveTimeout)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.BackgroundTimeout)
	assert.Equal(t, 3, cfg.Scheduler.StagnationThreshold)
	assert.Equal(t, "balanced", cfg.Scheduler.Selection)
	assert.Equal(t, []string{"last_speaker", "cursor"}, cfg.Scheduler.TieBreaks)
	assert.True(t, cfg.Scheduler.StrongHostBias)
	assert.Equal(t, "fallback", cfg.Adapter.AltAgentID)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:5077"
database:
  path: "/tmp/warroom.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxRounds, cfg.Policy.MaxRounds)
	assert.Equal(t, DefaultTimeoutSec, cfg.Policy.TimeoutSec)
	assert.Equal(t, DefaultStagnationThreshold, cfg.Scheduler.StagnationThreshold)
	assert.Equal(t, DefaultDebounce, cfg.Scheduler.Debounce)
	assert.Equal(t, int64(DefaultMaxBytes), cfg.Database.MaxBytes)
	assert.Equal(t, "round_robin", cfg.Scheduler.Selection)
	assert.Equal(t, []string{"cursor", "last_speaker"}, cfg.Scheduler.TieBreaks)
	assert.Equal(t, "openclaw", cfg.Adapter.Bin)
	assert.Equal(t, "main", cfg.Adapter.AgentID)
	// Background timeout falls back to the policy timeout.
	assert.Equal(t, 25*time.Second, cfg.Scheduler.BackgroundTimeout)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("WARROOM_DB_PATH", "/data/warroom.db")

	path := writeConfig(t, `
server:
  http_addr: "localhost:5077"
database:
  path: "${WARROOM_DB_PATH}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/warroom.db", cfg.Database.Path)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing http addr",
			yaml:    "database:\n  path: /tmp/x.db\n",
			wantErr: "http_addr",
		},
		{
			name:    "missing database path",
			yaml:    "server:\n  http_addr: localhost:5077\n",
			wantErr: "database.path",
		},
		{
			name: "bad selection",
			yaml: `
server:
  http_addr: localhost:5077
database:
  path: /tmp/x.db
scheduler:
  selection: "alphabetical"
`,
			wantErr: "selection",
		},
		{
			name: "bad tie break",
			yaml: `
server:
  http_addr: localhost:5077
database:
  path: /tmp/x.db
scheduler:
  tie_breaks: ["cursor", "coin_flip"]
`,
			wantErr: "tie_breaks",
		},
		{
			name: "bad debounce",
			yaml: `
server:
  http_addr: localhost:5077
database:
  path: /tmp/x.db
scheduler:
  debounce: "soon"
`,
			wantErr: "debounce",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}
