package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "texie.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
bind = "127.0.0.1:9999"

[ingest]
batch_size = 250
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Bind)
	assert.Equal(t, 250, cfg.Ingest.BatchSize)
	// untouched sections keep their defaults
	assert.Equal(t, 10000, cfg.Ingest.QueueCapacity)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Server.RequireAuth)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadRejectsBadToml(t *testing.T) {
	_, err := Load(writeConfig(t, "not toml = = ="))
	assert.Error(t, err)
}

func TestValidateConstraints(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty bind", `[server]
bind = ""`},
		{"zero batch", `[ingest]
batch_size = 0`},
		{"zero queue", `[ingest]
queue_capacity = -1`},
		{"empty store path", `[store]
path = ""`},
		{"negative heartbeat", `[relay]
heartbeat_seconds = -5`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 500*time.Millisecond, cfg.Ingest.FlushInterval())
	assert.Equal(t, 30*time.Second, cfg.Relay.HeartbeatPeriod())
}
