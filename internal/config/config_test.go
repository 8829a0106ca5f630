// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "curbpost", cfg.Logger.ServiceName)
	assert.True(t, cfg.Browser.Headless)
	assert.True(t, cfg.Browser.Stealth)
	assert.Equal(t, 4, cfg.Browser.Capacity)
	assert.Equal(t, 15*time.Second, cfg.Registry.HeartbeatCadence)
	assert.Equal(t, 3, cfg.Scheduler.MaxReclaims)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.RetryBackoff)
	assert.Equal(t, 100, cfg.Scheduler.ManualPriority)
	assert.Equal(t, ":8420", cfg.API.ListenAddr)
	assert.False(t, cfg.Runner.Enabled)
}

func TestLivenessWindowDefaultsToThreeHeartbeats(t *testing.T) {
	r := RegistryConfig{HeartbeatCadence: 15 * time.Second}
	assert.Equal(t, 45*time.Second, r.Window())

	r.LivenessWindow = 2 * time.Minute
	assert.Equal(t, 2*time.Minute, r.Window(), "an explicit window must win")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		// Start with a valid default config.
		cfg := NewDefaultConfig()

		err := cfg.Validate()
		assert.NoError(t, err, "A valid config should not produce a validation error")

		cfgInvalidPool := *cfg
		cfgInvalidPool.Browser.Capacity = 0
		err = cfgInvalidPool.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "browser.capacity must be a positive integer")

		cfgInvalidReclaims := *cfg
		cfgInvalidReclaims.Scheduler.MaxReclaims = -1
		err = cfgInvalidReclaims.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "scheduler.max_reclaims must not be negative")

		cfgInvalidJitter := *cfg
		cfgInvalidJitter.Scheduler.SweepJitter = 1.0
		err = cfgInvalidJitter.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "scheduler.sweep_jitter must be in [0,1)")

		cfgInvalidCadence := *cfg
		cfgInvalidCadence.Registry.HeartbeatCadence = 0
		err = cfgInvalidCadence.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "registry.heartbeat_cadence must be a positive duration")

		cfgInvalidRate := *cfg
		cfgInvalidRate.API.ActivityBurst = 0
		err = cfgInvalidRate.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "api.activity_rate and api.activity_burst must be positive")
	})

	t.Run("Runner Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Runner.Enabled = true
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "runner.account_id is required")

		cfg.Runner.AccountID = "house"
		assert.NoError(t, cfg.Validate())
	})
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("should load YAML over defaults", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")

		yamlConfig := []byte(`
scheduler:
  retry_backoff: 90s
  manual_priority: 50
browser:
  capacity: 2
  headless: false
api:
  listen_addr: ":9000"
`)
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 90*time.Second, cfg.Scheduler.RetryBackoff)
		assert.Equal(t, 50, cfg.Scheduler.ManualPriority)
		assert.Equal(t, 2, cfg.Browser.Capacity)
		assert.False(t, cfg.Browser.Headless)
		assert.Equal(t, ":9000", cfg.API.ListenAddr)
		// Untouched keys keep their defaults.
		assert.Equal(t, 3, cfg.Scheduler.MaxReclaims)
	})

	t.Run("should reject a config that fails validation", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("browser.capacity", 0)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("should read the worker secret from the environment", func(t *testing.T) {
		t.Setenv("CURBPOST_WORKER_SECRET", "sekrit")

		v := viper.New()
		SetDefaults(v)
		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "sekrit", cfg.API.WorkerSecret)
	})
}
