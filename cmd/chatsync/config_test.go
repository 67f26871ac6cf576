package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "default.base_url", "https://svetu.rs"))
	require.NoError(t, setConfigValue(cfg, "default.ws_path", "/ws/chat"))
	require.NoError(t, setConfigValue(cfg, "default.page_size", "50"))
	require.NoError(t, setConfigValue(cfg, "auth.token", "tok"))
	require.NoError(t, setConfigValue(cfg, "auth.user_id", "42"))

	assert.Equal(t, Config{
		Default: ConfigDefault{BaseURL: "https://svetu.rs", WSPath: "/ws/chat", PageSize: 50},
		Auth:    ConfigAuth{Token: "tok", UserID: 42},
	}, *cfg)

	for _, key := range []string{"base_url", "default.nope", "auth.nope", "other.base_url"} {
		assert.Error(t, setConfigValue(cfg, key, "x"), key)
	}
	assert.Error(t, setConfigValue(cfg, "default.page_size", "-1"))
	assert.Error(t, setConfigValue(cfg, "auth.user_id", "me"))
}

func TestConfigRoundTripWithEnv(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	t.Setenv("CHATSYNC_BASE_URL", "")
	t.Setenv("CHATSYNC_TOKEN", "")
	t.Setenv("CHATSYNC_USER_ID", "")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)

	cfg.Default.BaseURL = "https://svetu.rs"
	cfg.Auth.Token = "stored"
	require.NoError(t, saveConfig(cfg))

	t.Setenv("CHATSYNC_TOKEN", "from-env")
	t.Setenv("CHATSYNC_USER_ID", "7")
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://svetu.rs", cfg.Default.BaseURL)
	assert.Equal(t, "from-env", cfg.Auth.Token)
	assert.Equal(t, int64(7), cfg.Auth.UserID)

	onDisk, err := readConfigFile()
	require.NoError(t, err)
	assert.Equal(t, "stored", onDisk.Auth.Token)

	t.Setenv("CHATSYNC_USER_ID", "seven")
	_, err = loadConfig()
	assert.Error(t, err)
}

func TestDescribeConfig(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	t.Setenv("CHATSYNC_BASE_URL", "")
	t.Setenv("CHATSYNC_TOKEN", "token-from-environment")
	t.Setenv("CHATSYNC_USER_ID", "7")

	require.NoError(t, saveConfig(&Config{
		Default: ConfigDefault{BaseURL: "https://svetu.rs", PageSize: 50},
		Auth:    ConfigAuth{Token: "stored"},
	}))
	file, err := readConfigFile()
	require.NoError(t, err)
	effective, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, []configEntry{
		{Key: "default.base_url", Value: "https://svetu.rs", Source: "file"},
		{Key: "default.ws_path", Value: "/ws/chat", Source: "default"},
		{Key: "default.page_size", Value: "50", Source: "file"},
		{Key: "auth.token", Value: "token-...ment", Source: "env"},
		{Key: "auth.user_id", Value: "7", Source: "env"},
	}, describeConfig(file, effective))

	entries := describeConfig(&Config{}, &Config{})
	assert.Equal(t, configEntry{Key: "default.page_size", Value: "20", Source: "default"}, entries[2])
	assert.Equal(t, configEntry{Key: "auth.token", Value: "(not set)", Source: "default"}, entries[3])
}

func TestNewSessionFromConfig(t *testing.T) {
	_, err := newSession(&Config{})
	assert.Error(t, err)

	s, err := newSession(&Config{
		Default: ConfigDefault{BaseURL: "https://svetu.rs", PageSize: 5},
		Auth:    ConfigAuth{Token: "tok", UserID: 3},
	})
	require.NoError(t, err)
	assert.True(t, s.Client().Authenticated())
	assert.Equal(t, "wss://svetu.rs/ws/chat", s.Client().WebSocketURL())
	assert.Equal(t, int64(3), s.Store().CurrentUserID())
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcdef...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "def", valueOrDefault("", "def"))
	assert.Equal(t, "v", valueOrDefault("v", "def"))

	id, err := parseID("12", "chat id")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
	_, err = parseID("0", "chat id")
	assert.Error(t, err)
	_, err = parseID("x", "chat id")
	assert.Error(t, err)
}
