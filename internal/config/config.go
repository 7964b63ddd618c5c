// Package config loads service configuration from config.yaml and AUTOLOGIN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/autologin/internal/authflow"
	"github.com/t77yq/autologin/internal/browser"
	"github.com/t77yq/autologin/internal/executor"
	"github.com/t77yq/autologin/internal/scheduler"
)

const envPrefix = "AUTOLOGIN"

// Config is the root configuration
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Storage   StorageConfig   `mapstructure:"storage"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type SchedulerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
	Tolerance       time.Duration `mapstructure:"tolerance"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	DefaultTimezone string        `mapstructure:"default_timezone"`
}

type ExecutorConfig struct {
	DefaultRetryCount int           `mapstructure:"default_retry_count"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryStep         time.Duration `mapstructure:"retry_step"`
	AccountPace       time.Duration `mapstructure:"account_pace"`
	LogDir            string        `mapstructure:"log_dir"`
	LogMaxSize        int64         `mapstructure:"log_max_size"`
	LogMaxAge         time.Duration `mapstructure:"log_max_age"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
}

type BrowserConfig struct {
	Mode          string        `mapstructure:"mode"`
	Headless      bool          `mapstructure:"headless"`
	ExecPath      string        `mapstructure:"exec_path"`
	RemoteURL     string        `mapstructure:"remote_url"`
	UserAgent     string        `mapstructure:"user_agent"`
	WindowWidth   int           `mapstructure:"window_width"`
	WindowHeight  int           `mapstructure:"window_height"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
	Docker        DockerConfig  `mapstructure:"docker"`

	ProviderHost string        `mapstructure:"provider_host"`
	PopupWait    time.Duration `mapstructure:"popup_wait"`
	PopupPoll    time.Duration `mapstructure:"popup_poll"`
	CheckupWait  time.Duration `mapstructure:"checkup_wait"`
	CheckupPoll  time.Duration `mapstructure:"checkup_poll"`
	RedirectWait time.Duration `mapstructure:"redirect_wait"`
	MaxRefreshes int           `mapstructure:"max_refreshes"`
}

type DockerConfig struct {
	Image        string        `mapstructure:"image"`
	Pull         bool          `mapstructure:"pull"`
	ShmSize      int64         `mapstructure:"shm_size"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
}

type StorageConfig struct {
	Path            string        `mapstructure:"path"`
	RetentionPeriod time.Duration `mapstructure:"retention_period"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type VaultConfig struct {
	// Keys are base64 fernet keys, the first one is used for encryption
	Keys []string `mapstructure:"keys"`
}

type MonitorConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	// SlowRun raises slow_execution alerts, zero disables the rule
	SlowRun time.Duration `mapstructure:"slow_run"`
	// AccountFailureThreshold raises account_failure alerts, zero disables the rule
	AccountFailureThreshold int  `mapstructure:"account_failure_threshold"`
	AlertOnFailure          bool `mapstructure:"alert_on_failure"`
}

// New returns a viper instance with defaults and environment binding, reading
// path when given or config.yaml from ./config and the working directory.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// Load reads the configuration
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates the configuration held by v
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects values the service cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}
	if c.Scheduler.Tolerance < 0 {
		errs = append(errs, errors.New("scheduler.tolerance must not be negative"))
	}
	if _, err := scheduler.LoadLocation(c.Scheduler.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.default_timezone: %w", err))
	}
	if c.Executor.DefaultRetryCount < 1 {
		errs = append(errs, errors.New("executor.default_retry_count must be at least 1"))
	}
	switch browser.Mode(c.Browser.Mode) {
	case browser.ModeLocal, browser.ModeDocker:
	case browser.ModeRemote:
		if c.Browser.RemoteURL == "" {
			errs = append(errs, errors.New("browser.remote_url is required in remote mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("browser.mode: unknown mode %q", c.Browser.Mode))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Loop returns the scheduler loop settings
func (c *Config) Loop() scheduler.Config {
	return scheduler.Config{
		PollInterval:    c.Scheduler.PollInterval,
		ErrorBackoff:    c.Scheduler.ErrorBackoff,
		Tolerance:       c.Scheduler.Tolerance,
		ShutdownTimeout: c.Scheduler.ShutdownTimeout,
		RetentionPeriod: c.Storage.RetentionPeriod,
		JanitorInterval: c.Scheduler.JanitorInterval,
	}
}

// Handler returns the oauth_login handler settings
func (c ExecutorConfig) Handler() executor.OAuthHandlerConfig {
	return executor.OAuthHandlerConfig{
		AccountPace:     c.AccountPace,
		RetryBase:       c.RetryBaseDelay,
		RetryStep:       c.RetryStep,
		DefaultAttempts: c.DefaultRetryCount,
	}
}

// EventLog returns the execution event log settings
func (c ExecutorConfig) EventLog() executor.EventLogConfig {
	return executor.EventLogConfig{
		Dir:           c.LogDir,
		MaxFileSize:   c.LogMaxSize,
		MaxAge:        c.LogMaxAge,
		FlushInterval: c.FlushInterval,
	}
}

// Launcher returns the browser launcher settings
func (c BrowserConfig) Launcher() browser.Config {
	return browser.Config{
		Mode:          browser.Mode(c.Mode),
		Headless:      c.Headless,
		ExecPath:      c.ExecPath,
		RemoteURL:     c.RemoteURL,
		UserAgent:     c.UserAgent,
		WindowWidth:   c.WindowWidth,
		WindowHeight:  c.WindowHeight,
		ActionTimeout: c.ActionTimeout,
		Docker: browser.DockerConfig{
			Image:        c.Docker.Image,
			Pull:         c.Docker.Pull,
			ShmSize:      c.Docker.ShmSize,
			StartTimeout: c.Docker.StartTimeout,
		},
	}
}

// Flow returns the login flow settings
func (c BrowserConfig) Flow() authflow.Config {
	flow := authflow.DefaultConfig()
	if c.ProviderHost != "" {
		flow.ProviderHost = c.ProviderHost
		flow.ProviderBaseURL = "https://" + c.ProviderHost
	}
	flow.PopupWait = c.PopupWait
	flow.PopupPoll = c.PopupPoll
	flow.CheckupWait = c.CheckupWait
	flow.CheckupPoll = c.CheckupPoll
	flow.RedirectWait = c.RedirectWait
	flow.MaxRefreshes = c.MaxRefreshes
	return flow
}
