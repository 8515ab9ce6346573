package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConf = `{
  "home": "/home/sai",
  "perms": "0700",
  "host": "sai.example.com",
  "platforms": [
    {"name": "linux-debian/x86_64/gcc", "instances": 4, "servers": ["https://sai.example.com"]}
  ],
  "resources": "netbw=2, gpu=1",
  "notification-key": "secret",
  "database": "/var/lib/sai",
  "jwt-iss": "https://sai.example.com",
  "jwt-aud": "sai",
  "jwt-auth-alg": "RS256",
  "jwt-auth-jwk-path": "/etc/sai/jwks.json",
  "task-abandoned-timeout-mins": 30
}`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conf"), []byte(sampleConf), 0o600))
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeSample(t)
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "/home/sai", cfg.Home)
	require.Equal(t, "sai.example.com", cfg.Host)
	require.Len(t, cfg.Platforms, 1)
	require.Equal(t, "linux-debian/x86_64/gcc", cfg.Platforms[0].Name)
	require.Equal(t, 4, cfg.Platforms[0].Instances)
	require.Equal(t, 30, cfg.TaskAbandonedTimeoutMins)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
}

func TestParseResources(t *testing.T) {
	m, err := ParseResources("netbw=2, gpu=1")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"netbw": 2, "gpu": 1}, m)
}

func TestParseResources_Empty(t *testing.T) {
	m, err := ParseResources("")
	require.NoError(t, err)
	require.Empty(t, m)
}

func TestParseResources_Malformed(t *testing.T) {
	_, err := ParseResources("netbw")
	require.Error(t, err)
}
