package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadEmptyReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
provider: memory
client_id: sub-1
qos: 1
connect_timeout: 3s
keep_alive: 1m
username_format: vhost
log:
  level: debug
secure:
  attribute_key_file: /keys/sub1.key
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Provider)
	assert.Equal(t, "sub-1", cfg.ClientID)
	assert.Equal(t, byte(1), cfg.QoS)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, time.Minute, cfg.KeepAlive)
	assert.Equal(t, UsernameVHost, cfg.UsernameFormat)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/keys/sub1.key", cfg.Secure.AttributeKeyFile)
	// untouched fields keep their defaults
	assert.True(t, cfg.CleanSession)
	assert.True(t, cfg.AutoReconnect)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":        "qos: [",
		"bad provider":    "provider: kafka",
		"bad qos":         "qos: 3",
		"bad format":      "username_format: upper",
		"zero timeout":    "connect_timeout: 0s",
		"policy required": "secure:\n  public_key_file: /keys/public.key",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestClientIDOrDefault(t *testing.T) {
	cfg := Default()
	a := cfg.ClientIDOrDefault("subscriber")
	b := cfg.ClientIDOrDefault("subscriber")
	assert.True(t, strings.HasPrefix(a, "subscriber-"))
	assert.NotEqual(t, a, b)

	cfg.ClientID = "fixed"
	assert.Equal(t, "fixed", cfg.ClientIDOrDefault("subscriber"))
}
