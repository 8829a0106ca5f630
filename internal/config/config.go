// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	Runner    RunnerConfig    `mapstructure:"runner" yaml:"runner"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the database connection details. An empty URL
// selects the in-memory repository (useful for local development and CI).
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// SchedulerConfig tunes the job lifecycle.
type SchedulerConfig struct {
	// SweepInterval is how often processing jobs held by OFFLINE agents
	// are reclaimed. A jitter fraction is applied to avoid herding.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	SweepJitter   float64       `mapstructure:"sweep_jitter" yaml:"sweep_jitter"`
	// MaxReclaims bounds how many times a job survives losing its agent
	// before it is failed permanently with reason agent-lost.
	MaxReclaims int `mapstructure:"max_reclaims" yaml:"max_reclaims"`
	// RetryBackoff delays a requeued job before it becomes claimable.
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	DefaultPriority int           `mapstructure:"default_priority" yaml:"default_priority"`
	ManualPriority  int           `mapstructure:"manual_priority" yaml:"manual_priority"`
}

// RegistryConfig tunes agent liveness tracking.
type RegistryConfig struct {
	// HeartbeatCadence is the expected reporting interval; the liveness
	// window defaults to three times this value.
	HeartbeatCadence time.Duration `mapstructure:"heartbeat_cadence" yaml:"heartbeat_cadence"`
	LivenessWindow   time.Duration `mapstructure:"liveness_window" yaml:"liveness_window"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	SweepJitter      float64       `mapstructure:"sweep_jitter" yaml:"sweep_jitter"`
}

// Window returns the effective liveness window.
func (r RegistryConfig) Window() time.Duration {
	if r.LivenessWindow > 0 {
		return r.LivenessWindow
	}
	return 3 * r.HeartbeatCadence
}

// BrowserConfig holds settings for the pooled headless browser sessions.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	Stealth  bool `mapstructure:"stealth" yaml:"stealth"`
	// Capacity is the hard ceiling on concurrently live sessions.
	Capacity          int           `mapstructure:"capacity" yaml:"capacity"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ReapInterval      time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Args              []string      `mapstructure:"args" yaml:"args"`
}

// APIConfig configures the worker-facing HTTP surface.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// WorkerSecret authenticates agents. It is distinct from any
	// end-user credential and must be set for serve to start.
	WorkerSecret string `mapstructure:"worker_secret" yaml:"-"`
	// ActivityRate/ActivityBurst bound per-agent activity logging.
	ActivityRate  float64 `mapstructure:"activity_rate" yaml:"activity_rate"`
	ActivityBurst int     `mapstructure:"activity_burst" yaml:"activity_burst"`
}

// RunnerConfig configures the server-side pooled agent runner.
type RunnerConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	AccountID    string        `mapstructure:"account_id" yaml:"account_id"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollJitter   float64       `mapstructure:"poll_jitter" yaml:"poll_jitter"`
}

// SetDefaults initializes default values for all configuration keys.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "curbpost")
	v.SetDefault("logger.log_file", "curbpost.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Scheduler --
	v.SetDefault("scheduler.sweep_interval", "30s")
	v.SetDefault("scheduler.sweep_jitter", 0.2)
	v.SetDefault("scheduler.max_reclaims", 3)
	v.SetDefault("scheduler.retry_backoff", "45s")
	v.SetDefault("scheduler.default_priority", 0)
	v.SetDefault("scheduler.manual_priority", 100)

	// -- Registry --
	v.SetDefault("registry.heartbeat_cadence", "15s")
	v.SetDefault("registry.sweep_interval", "20s")
	v.SetDefault("registry.sweep_jitter", 0.2)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.capacity", 4)
	v.SetDefault("browser.idle_timeout", "5m")
	v.SetDefault("browser.reap_interval", "1m")
	v.SetDefault("browser.action_timeout", "20s")
	v.SetDefault("browser.navigation_timeout", "60s")

	// -- API --
	v.SetDefault("api.listen_addr", ":8420")
	v.SetDefault("api.activity_rate", 5.0)
	v.SetDefault("api.activity_burst", 20)

	// -- Runner --
	v.SetDefault("runner.enabled", false)
	v.SetDefault("runner.account_id", "")
	v.SetDefault("runner.poll_interval", "5s")
	v.SetDefault("runner.poll_jitter", 0.3)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("api.worker_secret", "CURBPOST_WORKER_SECRET")
	v.BindEnv("database.url", "CURBPOST_DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.Capacity <= 0 {
		return fmt.Errorf("browser.capacity must be a positive integer")
	}
	if c.Scheduler.MaxReclaims < 0 {
		return fmt.Errorf("scheduler.max_reclaims must not be negative")
	}
	if c.Scheduler.SweepJitter < 0 || c.Scheduler.SweepJitter >= 1 {
		return fmt.Errorf("scheduler.sweep_jitter must be in [0,1)")
	}
	if c.Registry.HeartbeatCadence <= 0 {
		return fmt.Errorf("registry.heartbeat_cadence must be a positive duration")
	}
	if c.API.ActivityRate <= 0 || c.API.ActivityBurst <= 0 {
		return fmt.Errorf("api.activity_rate and api.activity_burst must be positive")
	}
	if c.Runner.Enabled && c.Runner.AccountID == "" {
		return fmt.Errorf("runner.account_id is required when the pooled runner is enabled")
	}
	return nil
}
