package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/autologin/internal/browser"
)

func TestLoadWithViper_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.ErrorBackoff)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Tolerance)
	assert.Equal(t, "Asia/Shanghai", cfg.Scheduler.DefaultTimezone)
	assert.Equal(t, 3, cfg.Executor.DefaultRetryCount)
	assert.Equal(t, 5*time.Second, cfg.Executor.RetryBaseDelay)
	assert.Equal(t, 2*time.Second, cfg.Executor.RetryStep)
	assert.Equal(t, "local", cfg.Browser.Mode)
	assert.Equal(t, 45*time.Second, cfg.Browser.PopupWait)
	assert.Equal(t, 1, cfg.Browser.MaxRefreshes)
	assert.False(t, cfg.NATS.Enabled)

	loop := cfg.Loop()
	assert.Equal(t, 30*24*time.Hour, loop.RetentionPeriod)

	handler := cfg.Executor.Handler()
	assert.Equal(t, 3, handler.DefaultAttempts)
	assert.Equal(t, 5*time.Second, handler.RetryBase)

	launcher := cfg.Browser.Launcher()
	assert.Equal(t, browser.ModeLocal, launcher.Mode)
	assert.Equal(t, "chromedp/headless-shell:latest", launcher.Docker.Image)

	flow := cfg.Browser.Flow()
	assert.Equal(t, "https://github.com", flow.ProviderBaseURL)
	assert.Equal(t, 90*time.Second, flow.CheckupWait)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  poll_interval: 10s
executor:
  default_retry_count: 5
browser:
  mode: remote
  remote_url: ws://127.0.0.1:9222
vault:
  keys:
    - cw_0x689RpI-jtRR7oE8h_eQsKImvJapLeSbXpwF4e4=
`), 0644))

	t.Setenv("AUTOLOGIN_SCHEDULER_TOLERANCE", "45s")
	t.Setenv("AUTOLOGIN_STORAGE_PATH", "/var/lib/autologin/tasks.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.Tolerance)
	assert.Equal(t, 5, cfg.Executor.DefaultRetryCount)
	assert.Equal(t, "ws://127.0.0.1:9222", cfg.Browser.RemoteURL)
	assert.Equal(t, "/var/lib/autologin/tasks.db", cfg.Storage.Path)
	assert.Len(t, cfg.Vault.Keys, 1)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		v := viper.New()
		SetDefaults(v)
		cfg, err := LoadWithViper(v)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero poll interval", func(c *Config) { c.Scheduler.PollInterval = 0 }, "scheduler.poll_interval"},
		{"unknown timezone", func(c *Config) { c.Scheduler.DefaultTimezone = "Mars/Base" }, "scheduler.default_timezone"},
		{"no attempts", func(c *Config) { c.Executor.DefaultRetryCount = 0 }, "executor.default_retry_count"},
		{"remote without url", func(c *Config) { c.Browser.Mode = "remote" }, "browser.remote_url"},
		{"unknown browser mode", func(c *Config) { c.Browser.Mode = "firefox" }, "browser.mode"},
		{"nats without url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }, "nats.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
