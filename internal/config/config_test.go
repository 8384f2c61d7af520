package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/audiencesync/internal/api"
	"github.com/roach88/audiencesync/internal/channel"
	"github.com/roach88/audiencesync/internal/job"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, api.DefaultPlatform, cfg.Endpoint().Platform)
	assert.Equal(t, job.DefaultBackoff, cfg.Backoff())
	assert.Equal(t, api.DefaultHTTPConfig().Timeout, cfg.HTTPTransport().Timeout)
	assert.Equal(t, channel.Automatic(), cfg.GenerationMethod())
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	path := writeFile(t, "audiencesync.yaml", `
api:
  base_url: https://api.example.test
  app_key: key
  app_secret: secret
http:
  timeout: 5s
  retry_max: 0
device:
  device_type: android
  opt_in: true
  country: DE
  api_version: 34
  permissions:
    display_notifications: granted
jobs:
  backoff_initial: 1m
  backoff_max: 1h
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test", cfg.API.BaseURL)
	assert.Equal(t, api.DefaultPlatform, cfg.API.Platform, "unset fields keep defaults")
	assert.Equal(t, Duration(5*time.Second), cfg.HTTP.Timeout)
	assert.Equal(t, 0, cfg.HTTP.RetryMax)
	assert.Equal(t, api.DefaultHTTPConfig().RetryWaitMax, time.Duration(cfg.HTTP.RetryWaitMax))
	assert.True(t, cfg.Device.OptIn)
	require.NotNil(t, cfg.Device.APIVersion)
	assert.Equal(t, 34, *cfg.Device.APIVersion)
	assert.Equal(t, job.Backoff{Initial: time.Minute, Max: time.Hour}, cfg.Backoff())

	h := cfg.HTTPTransport()
	assert.Equal(t, "key", h.AppKey)
	assert.Equal(t, "secret", h.AppSecret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeFile(t, "c.yaml", "http:\n  timeout: soon\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AUDIENCESYNC_BASE_URL", "http://127.0.0.1:9999")
	t.Setenv("AUDIENCESYNC_APP_KEY", "env-key")
	t.Setenv("AUDIENCESYNC_HTTP_RETRY_MAX", "4")
	t.Setenv("AUDIENCESYNC_RESTORE_CHANNEL_ID", "0c9c3b0e-5c6f-4a4a-9a73-3f1c0b0f0a11")

	path := writeFile(t, "c.yaml", "api:\n  base_url: https://ignored.test\n  app_key: file-key\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:9999", cfg.API.BaseURL)
	assert.Equal(t, "env-key", cfg.API.AppKey)
	assert.Equal(t, 4, cfg.HTTP.RetryMax)
	assert.Equal(t, channel.Restore("0c9c3b0e-5c6f-4a4a-9a73-3f1c0b0f0a11"), cfg.GenerationMethod())
}

func TestLoad_DotEnvBelowEnvironment(t *testing.T) {
	env := writeFile(t, ".env", "AUDIENCESYNC_APP_KEY=dotenv-key\nAUDIENCESYNC_APP_SECRET=dotenv-secret\n")
	t.Setenv("AUDIENCESYNC_APP_SECRET", "process-secret")

	cfg, err := Load("", env, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "dotenv-key", cfg.API.AppKey)
	assert.Equal(t, "process-secret", cfg.API.AppSecret)
}

func TestLoad_BadEnvNumber(t *testing.T) {
	t.Setenv("AUDIENCESYNC_HTTP_RETRY_MAX", "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUDIENCESYNC_HTTP_RETRY_MAX")
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative base url", func(c *Config) { c.API.BaseURL = "api.example.test" }},
		{"unknown platform", func(c *Config) { c.API.Platform = "web" }},
		{"retry max too high", func(c *Config) { c.HTTP.RetryMax = 50 }},
		{"negative rate", func(c *Config) { c.HTTP.RequestsPerSecond = -1 }},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"lowercase country", func(c *Config) { c.Device.Country = "de" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"wait bounds inverted", func(c *Config) { c.HTTP.RetryWaitMin = c.HTTP.RetryWaitMax + 1 }},
		{"backoff exceeds max", func(c *Config) { c.Jobs.BackoffInitial = c.Jobs.BackoffMax * 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestChannelOptions(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.ChannelOptions(), 3)
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf, false)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	logger, err = LogConfig{Level: "error", Format: "text"}.NewLogger(&buf, true)
	require.NoError(t, err)
	logger.Debug("verbose wins")
	assert.Contains(t, buf.String(), "verbose wins")

	_, err = LogConfig{Level: "loud"}.NewLogger(&buf, false)
	assert.Error(t, err)
	_, err = LogConfig{Level: "info", Format: "xml"}.NewLogger(&buf, false)
	assert.Error(t, err)
}
