package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultAPIBaseURL, cfg.RestAPI.BaseURL)
	assert.Equal(t, DefaultWSBaseURL, cfg.Streaming.WSBaseURL)
	assert.Equal(t, 120, cfg.RateLimit.Capacity)
	assert.Equal(t, 30*time.Second, cfg.Streaming.MaxReconnectBackoff)
	assert.Equal(t, 60*time.Second, cfg.Streaming.HeartbeatTimeout)
	assert.Equal(t, 256, cfg.Streaming.EventBufferSize)
	assert.Equal(t, 5*time.Minute, cfg.CredentialRefreshMargin)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
credentials:
  access_token: yaml-token
  account_id: VA000001
rate_limit:
  rate_limit_capacity: 5
  rate_limit_refill_per_sec: 5
streaming:
  heartbeat_timeout: 10s
  event_buffer_size_per_subscriber: 32
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "yaml-token", cfg.Credentials.AccessToken)
	assert.Equal(t, "VA000001", cfg.Credentials.AccountID)
	assert.Equal(t, 5, cfg.RateLimit.Capacity)
	assert.Equal(t, 5, cfg.RateLimit.RefillPerSec)
	assert.Equal(t, 10*time.Second, cfg.Streaming.HeartbeatTimeout)
	assert.Equal(t, 32, cfg.Streaming.EventBufferSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRADIER_ACCESS_TOKEN", "env-token")
	t.Setenv("TRADIER_REST_BASE_URL", "https://test-api.tradier.com")
	t.Setenv("TRADIER_RATE_LIMIT_CAPACITY", "60")
	t.Setenv("TRADIER_HEARTBEAT_TIMEOUT", "45s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.Credentials.AccessToken)
	assert.Equal(t, "https://test-api.tradier.com", cfg.RestAPI.BaseURL)
	assert.Equal(t, 60, cfg.RateLimit.Capacity)
	assert.Equal(t, 45*time.Second, cfg.Streaming.HeartbeatTimeout)
}

func TestLoad_SandboxSwitch(t *testing.T) {
	t.Setenv("TRADIER_SANDBOX", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSandboxBaseURL, cfg.RestAPI.BaseURL)
}

func TestLoad_DurationAsSeconds(t *testing.T) {
	// 原始环境变量约定里超时是秒数，两种写法都要支持
	t.Setenv("TRADIER_MAX_RECONNECT_BACKOFF", "15")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Streaming.MaxReconnectBackoff)
}

func TestValidate_Invalid(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.Capacity = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Streaming.EventBufferSize = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.RestAPI.BaseURL = ""
	assert.Error(t, cfg.Validate())
}
