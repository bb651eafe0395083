package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides_Model(t *testing.T) {
	t.Run("SCENECHAT_MODEL overrides default", func(t *testing.T) {
		t.Setenv("SCENECHAT_MODEL", "gemini-2.5-pro")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
	})

	t.Run("empty SCENECHAT_MODEL keeps default", func(t *testing.T) {
		t.Setenv("SCENECHAT_MODEL", "")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "gemini-2.0-flash", cfg.LLM.Model)
	})
}

func TestEnvOverrides_Server(t *testing.T) {
	t.Run("SCENECHAT_HOST overrides bind host", func(t *testing.T) {
		t.Setenv("SCENECHAT_HOST", "127.0.0.1")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		assert.Equal(t, "127.0.0.1:8000", cfg.Addr())
	})

	t.Run("non-numeric SCENECHAT_PORT is ignored", func(t *testing.T) {
		t.Setenv("SCENECHAT_PORT", "not-a-port")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 8000, cfg.Server.Port)
	})

	t.Run("negative SCENECHAT_PORT is ignored", func(t *testing.T) {
		t.Setenv("SCENECHAT_PORT", "-1")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 8000, cfg.Server.Port)
	})
}

func TestDurationAccessors(t *testing.T) {
	t.Run("valid durations parse", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Bridge.CallTimeout = "45s"
		cfg.Peer.ReconnectDelay = "500ms"
		cfg.Session.TTL = "2h"

		assert.Equal(t, 45*time.Second, cfg.GetCallTimeout())
		assert.Equal(t, 500*time.Millisecond, cfg.GetReconnectDelay())
		assert.Equal(t, 2*time.Hour, cfg.GetSessionTTL())
	})

	t.Run("malformed durations fall back to defaults", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LLM.Timeout = "soon"
		cfg.Bridge.CallTimeout = ""
		cfg.Peer.MaxReconnectDelay = "forever"
		cfg.Session.CleanupInterval = "often"

		assert.Equal(t, 120*time.Second, cfg.GetLLMTimeout())
		assert.Equal(t, 30*time.Second, cfg.GetCallTimeout())
		assert.Equal(t, 30*time.Second, cfg.GetMaxReconnectDelay())
		assert.Equal(t, 5*time.Minute, cfg.GetCleanupInterval())
	})
}

func TestLoadAppliesEnvOverLoadedFile(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")

	dir := t.TempDir()
	path := dir + "/config.yaml"
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "file-key"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", loaded.LLM.APIKey)
}
