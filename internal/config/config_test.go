package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.PresenceTTL)
	assert.Equal(t, 30*time.Second, cfg.AwarenessTimeout)
	assert.Equal(t, 3*time.Second, cfg.PersistDebounce)
	assert.Equal(t, 20, cfg.ChatHistory)
	assert.Equal(t, 4, cfg.PersistWorkers)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.NotEmpty(t, cfg.NodeID)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("PERSIST_DEBOUNCE_MS", "250")
	t.Setenv("PRESENCE_TTL_SECONDS", "5")
	t.Setenv("NODE_ID", "node-a")
	t.Setenv("PERSIST_WORKERS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.PersistDebounce)
	assert.Equal(t, 5*time.Second, cfg.PresenceTTL)
	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, 4, cfg.PersistWorkers)
	assert.Equal(t, "localhost:8080", cfg.Addr())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing redis", map[string]string{"REDIS_URL": ""}},
		{"zero debounce", map[string]string{"REDIS_URL": "redis://x", "PERSIST_DEBOUNCE_MS": "0"}},
		{"negative ttl", map[string]string{"REDIS_URL": "redis://x", "PRESENCE_TTL_SECONDS": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
