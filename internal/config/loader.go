package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. TANDEM_HANDLER_API_KEY.
const EnvPrefix = "TANDEM"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file when it exists, applies environment overrides
// and fills derived paths. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := newViper(configPath)

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "tandem.log")
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "sessions.db")
	}

	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("gateway", cfg.Gateway)
	v.Set("engine", cfg.Engine)
	v.Set("store", cfg.Store)
	v.Set("handler", cfg.Handler)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tandem", "tandem.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only consults the environment for keys viper already knows.
	setDefaults(v, DefaultConfig())
	return v
}

func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]interface{}{
		"gateway.port":            cfg.Gateway.Port,
		"gateway.host":            cfg.Gateway.Host,
		"gateway.read_limit":      cfg.Gateway.ReadLimit,
		"gateway.rate_limit":      cfg.Gateway.RateLimit,
		"gateway.rate_burst":      cfg.Gateway.RateBurst,
		"gateway.write_timeout":   cfg.Gateway.WriteTimeout,
		"gateway.ping_interval":   cfg.Gateway.PingInterval,
		"gateway.allowed_origins": cfg.Gateway.AllowedOrigins,

		"engine.queue_policy":     cfg.Engine.QueuePolicy,
		"engine.grace_period":     cfg.Engine.GracePeriod,
		"engine.max_run_duration": cfg.Engine.MaxRunDuration,
		"engine.emitter_buffer":   cfg.Engine.EmitterBuffer,
		"engine.flush_timeout":    cfg.Engine.FlushTimeout,
		"engine.sweep_schedule":   cfg.Engine.SweepSchedule,

		"store.driver":         cfg.Store.Driver,
		"store.path":           cfg.Store.Path,
		"store.redis_addr":     cfg.Store.RedisAddr,
		"store.redis_password": cfg.Store.RedisPassword,
		"store.redis_db":       cfg.Store.RedisDB,
		"store.ttl":            cfg.Store.TTL,

		"handler.name":          cfg.Handler.Name,
		"handler.model":         cfg.Handler.Model,
		"handler.api_key":       cfg.Handler.APIKey,
		"handler.base_url":      cfg.Handler.BaseURL,
		"handler.max_tokens":    cfg.Handler.MaxTokens,
		"handler.system_prompt": cfg.Handler.SystemPrompt,
		"handler.echo_delay":    cfg.Handler.EchoDelay,

		"logging.level":     cfg.Logging.Level,
		"logging.file":      cfg.Logging.File,
		"logging.console":   cfg.Logging.Console,
		"logging.pretty":    cfg.Logging.Pretty,
		"logging.max_size":  cfg.Logging.MaxSize,
		"logging.max_age":   cfg.Logging.MaxAge,
		"logging.compress":  cfg.Logging.Compress,
		"logging.redaction": cfg.Logging.Redaction,

		"tracing.enabled":      cfg.Tracing.Enabled,
		"tracing.service_name": cfg.Tracing.ServiceName,
		"tracing.sample_ratio": cfg.Tracing.SampleRatio,

		"data_dir": cfg.DataDir,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}
