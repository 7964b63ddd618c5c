package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("scheduler.poll_interval", 30*time.Second)
	v.SetDefault("scheduler.error_backoff", 60*time.Second)
	v.SetDefault("scheduler.tolerance", 30*time.Second)
	v.SetDefault("scheduler.shutdown_timeout", 5*time.Minute)
	v.SetDefault("scheduler.janitor_interval", time.Hour)
	v.SetDefault("scheduler.default_timezone", "Asia/Shanghai")

	v.SetDefault("executor.default_retry_count", 3)
	v.SetDefault("executor.retry_base_delay", 5*time.Second)
	v.SetDefault("executor.retry_step", 2*time.Second)
	v.SetDefault("executor.account_pace", 3*time.Second)
	v.SetDefault("executor.log_dir", "./logs/tasks")
	v.SetDefault("executor.log_max_size", 10*1024*1024) // 10MB
	v.SetDefault("executor.log_max_age", 7*24*time.Hour)
	v.SetDefault("executor.flush_interval", 5*time.Second)

	v.SetDefault("browser.mode", "local")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 768)
	v.SetDefault("browser.action_timeout", 30*time.Second)
	v.SetDefault("browser.docker.image", "chromedp/headless-shell:latest")
	v.SetDefault("browser.docker.pull", true)
	v.SetDefault("browser.docker.shm_size", 512*1024*1024) // 512MB
	v.SetDefault("browser.docker.start_timeout", 30*time.Second)
	v.SetDefault("browser.provider_host", "github.com")
	v.SetDefault("browser.popup_wait", 45*time.Second)
	v.SetDefault("browser.popup_poll", 500*time.Millisecond)
	v.SetDefault("browser.checkup_wait", 90*time.Second)
	v.SetDefault("browser.checkup_poll", 2*time.Second)
	v.SetDefault("browser.redirect_wait", 120*time.Second)
	v.SetDefault("browser.max_refreshes", 1)

	v.SetDefault("storage.path", "autologin.db")
	v.SetDefault("storage.retention_period", 30*24*time.Hour)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "autologin")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("vault.keys", []string{})

	v.SetDefault("monitor.sample_interval", 5*time.Second)
	v.SetDefault("monitor.slow_run", 15*time.Minute)
	v.SetDefault("monitor.account_failure_threshold", 3)
	v.SetDefault("monitor.alert_on_failure", true)
}
