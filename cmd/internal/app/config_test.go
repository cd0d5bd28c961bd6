package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("CARCHAT_STORE", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, time.Second, cfg.TypingIdle)
	assert.Equal(t, 50, cfg.HistoryWindow)
	assert.True(t, cfg.WSOriginRequired)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "carchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: 127.0.0.1:9000
store: pebble
pebble_path: /var/lib/carchat
typing_idle: 1500ms
ws_allowed_origins:
  - https://app.example.com
`), 0o600))

	t.Setenv(ConfigFileEnv, path)
	t.Setenv("CARCHAT_HTTP_ADDR", "127.0.0.1:9100")
	t.Setenv("CARCHAT_WS_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.HTTPAddr, "env overrides file")
	assert.Equal(t, StorePebble, cfg.Store)
	assert.Equal(t, "/var/lib/carchat", cfg.PebblePath)
	assert.Equal(t, 1500*time.Millisecond, cfg.TypingIdle)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.WSAllowedOrigins)
}

func TestLoadConfig_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unterminated"), 0o600))
	t.Setenv(ConfigFileEnv, path)

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "memory", mutate: func(*Config) {}},
		{name: "postgres without url", mutate: func(c *Config) { c.Store = StorePostgres }, wantErr: true},
		{name: "postgres with url", mutate: func(c *Config) {
			c.Store = StorePostgres
			c.DatabaseURL = "postgres://localhost/carchat"
		}},
		{name: "pebble without path", mutate: func(c *Config) {
			c.Store = StorePebble
			c.PebblePath = " "
		}, wantErr: true},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "redis" }, wantErr: true},
		{name: "readiness needs db", mutate: func(c *Config) { c.ReadinessRequireDB = true }, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := defaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	require.Error(t, ValidateSecurityConfig(cfg), "missing key")

	cfg.IdentityKey = "short"
	require.Error(t, ValidateSecurityConfig(cfg), "short key")

	cfg.IdentityKey = "0123456789abcdef0123456789abcdef"
	require.NoError(t, ValidateSecurityConfig(cfg))

	dev := defaultConfig()
	dev.IdentityInsecure = true
	require.NoError(t, ValidateSecurityConfig(dev))

	dev.WSOriginRequired = false
	require.Error(t, ValidateSecurityConfig(dev), "insecure identity without origin policy")
}
