package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POSTURE_CONFIG_FILE", "")
	t.Setenv("POSTURE_SCANNER", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 300*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 5, cfg.MaxConcurrentScans)
	assert.Equal(t, 10, cfg.ScanQueueSize)
	assert.Equal(t, ScannerNaabu, cfg.Scanner)
	assert.Equal(t, "gpt-4o-mini", cfg.AIModel)
	assert.Equal(t, 60*time.Second, cfg.AITimeout)
	assert.Equal(t, 120*time.Second, cfg.ChatTimeout)
	assert.Equal(t, "sqlite", cfg.DatabaseBackend())
	assert.Empty(t, cfg.AllowedNetworks)
	assert.False(t, cfg.ArchiveEnabled())
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("POSTURE_CONFIG_FILE", "")
	t.Setenv("POSTURE_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("POSTURE_MAX_CONCURRENT_SCANS", "2")
	t.Setenv("POSTURE_SCAN_QUEUE_SIZE", "0")
	t.Setenv("POSTURE_SCAN_TIMEOUT", "45s")
	t.Setenv("POSTURE_SCANNER", "NMAP")
	t.Setenv("POSTURE_ALLOWED_NETWORKS", "10.0.0.0/8, 192.168.1.0/24 ,")
	t.Setenv("POSTURE_AI_API_KEY", "sk-test")
	t.Setenv("POSTURE_AI_RATE_LIMIT", "0.5")
	t.Setenv("POSTURE_LOG_JSON", "true")
	t.Setenv("POSTURE_CHAT_TIMEOUT", "15s")
	t.Setenv("POSTURE_DATABASE_URL", "postgres://posture@localhost:5432/posture")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, 2, cfg.MaxConcurrentScans)
	assert.Equal(t, 0, cfg.ScanQueueSize)
	assert.Equal(t, 45*time.Second, cfg.ScanTimeout)
	assert.Equal(t, ScannerNmap, cfg.Scanner)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.0/24"}, cfg.AllowedNetworks)
	assert.True(t, cfg.ReasoningEnabled())
	assert.InDelta(t, 0.5, cfg.AIRateLimit, 1e-9)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, 15*time.Second, cfg.ChatTimeout)
	assert.Equal(t, "postgres", cfg.DatabaseBackend())
}

func TestLoadFileOverlayIsOverriddenByEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scanner: none
max_concurrent_scans: 3
scan_queue_size: 0
scan_timeout: 90s
allowed_networks:
  - 172.20.0.0/16
allowed_hosts:
  - scanme.internal
`), 0o600))

	t.Setenv("POSTURE_CONFIG_FILE", path)
	t.Setenv("POSTURE_SCANNER", "")
	t.Setenv("POSTURE_MAX_CONCURRENT_SCANS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ScannerNone, cfg.Scanner)
	assert.Equal(t, 7, cfg.MaxConcurrentScans)
	assert.Equal(t, 0, cfg.ScanQueueSize)
	assert.Equal(t, 90*time.Second, cfg.ScanTimeout)
	assert.Equal(t, []string{"172.20.0.0/16"}, cfg.AllowedNetworks)
	assert.Equal(t, []string{"scanme.internal"}, cfg.AllowedHosts)
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scan_timeout: soon\n"), 0o600))
	t.Setenv("POSTURE_CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan_timeout")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"zero concurrency", func(c *Config) { c.MaxConcurrentScans = 0 }, ErrInvalidConcurrency},
		{"negative queue", func(c *Config) { c.ScanQueueSize = -1 }, ErrInvalidQueueSize},
		{"zero timeout", func(c *Config) { c.AITimeout = 0 }, ErrInvalidTimeout},
		{"zero chat timeout", func(c *Config) { c.ChatTimeout = 0 }, ErrInvalidTimeout},
		{"unknown scanner", func(c *Config) { c.Scanner = "masscan" }, ErrUnknownScanner},
		{"short csrf key", func(c *Config) { c.CSRFKey = []byte("short") }, ErrCSRFKeyTooShort},
		{"archive without bucket", func(c *Config) {
			c.S3Endpoint = "localhost:9000"
			c.S3AccessKey = "minio"
			c.S3SecretKey = "minio123"
		}, ErrIncompleteArchive},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}

	assert.NoError(t, Default().Validate())
}
