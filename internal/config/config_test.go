package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, "interrupt-and-replace", cfg.Engine.QueuePolicy)
	assert.Equal(t, 30*time.Second, cfg.Engine.GracePeriod)
	assert.Equal(t, 256, cfg.Engine.EmitterBuffer)
	assert.Equal(t, "@every 5s", cfg.Engine.SweepSchedule)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "echo", cfg.Handler.Name)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Gateway.Port = 0 },
			wantErr: "gateway",
		},
		{
			name:    "unknown queue policy",
			mutate:  func(c *Config) { c.Engine.QueuePolicy = "drop-oldest" },
			wantErr: "queue policy",
		},
		{
			name:    "zero grace period",
			mutate:  func(c *Config) { c.Engine.GracePeriod = 0 },
			wantErr: "grace_period",
		},
		{
			name:    "bad sweep schedule",
			mutate:  func(c *Config) { c.Engine.SweepSchedule = "every now and then" },
			wantErr: "schedule",
		},
		{
			name:    "unknown store driver",
			mutate:  func(c *Config) { c.Store.Driver = "postgres" },
			wantErr: "store driver",
		},
		{
			name:    "redis without address",
			mutate:  func(c *Config) { c.Store.Driver = "redis" },
			wantErr: "redis_addr",
		},
		{
			name:    "anthropic without key",
			mutate:  func(c *Config) { c.Handler.Name = "anthropic" },
			wantErr: "API key",
		},
		{
			name:    "rate limit without burst",
			mutate:  func(c *Config) { c.Gateway.RateBurst = 0 },
			wantErr: "rate_burst",
		},
		{
			name:    "sample ratio above one",
			mutate:  func(c *Config) { c.Tracing.SampleRatio = 2 },
			wantErr: "sample_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}

	t.Run("valid anthropic handler", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Handler.Name = "anthropic"
		cfg.Handler.APIKey = "sk-ant-test123"
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Handler.APIKey = "sk-ant-very-secret"
	cfg.Store.RedisPassword = "hunter22"

	out := cfg.String()
	assert.False(t, strings.Contains(out, "sk-ant-very-secret"))
	assert.False(t, strings.Contains(out, "hunter22"))
	assert.Equal(t, "sk-ant-very-secret", cfg.Handler.APIKey)
}
