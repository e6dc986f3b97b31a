package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"HTTP_PORT", "STUN_PORT", "STUN_URLS", "STORE_DRIVER", "HEARTBEAT_INTERVAL", "STALE_AFTER"} {
		t.Setenv(key, "")
	}

	cfg := fromEnv()
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 3478, cfg.STUNPort)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 45*time.Second, cfg.StaleAfter)
	assert.Equal(t, defaultSTUNURLs, cfg.STUNURLs)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("STUN_PORT", "not-a-number")
	t.Setenv("STUN_URLS", "stun:a:1, stun:b:2 ,")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("HEARTBEAT_INTERVAL", "2s")

	cfg := fromEnv()
	assert.Equal(t, "9000", cfg.HTTPPort)
	assert.Equal(t, 3478, cfg.STUNPort)
	assert.Equal(t, []string{"stun:a:1", "stun:b:2"}, cfg.STUNURLs)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
}

func TestConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"http_port": "7000",
		"store_driver": "postgres",
		"store_dsn": "host=db",
		"stale_after": "1m",
		"heartbeat_interval": "bogus"
	}`), 0600))

	fc, err := loadFile(path)
	require.NoError(t, err)

	cfg := &Config{HTTPPort: "8080", StoreDriver: "memory", HeartbeatInterval: 15 * time.Second, StaleAfter: 45 * time.Second}
	fc.apply(cfg)

	assert.Equal(t, "7000", cfg.HTTPPort)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, "host=db", cfg.StoreDSN)
	assert.Equal(t, time.Minute, cfg.StaleAfter)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := loadFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadClientInsecureTLS(t *testing.T) {
	t.Setenv("DUOCALL_SERVER", "https://calls.example.org")
	t.Setenv("DUOCALL_INSECURE_TLS", "true")

	cfg := LoadClient()
	assert.Equal(t, "https://calls.example.org", cfg.ServerURL)
	assert.True(t, cfg.InsecureTLS)

	t.Setenv("DUOCALL_INSECURE_TLS", "maybe")
	assert.False(t, LoadClient().InsecureTLS)
}
