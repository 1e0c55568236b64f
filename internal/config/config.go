package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main tandem configuration
type Config struct {
	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Session engine tuning
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Snapshot persistence
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Run handler
	Handler HandlerConfig `json:"handler" mapstructure:"handler"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port           int           `json:"port" mapstructure:"port"`
	Host           string        `json:"host" mapstructure:"host"`
	ReadLimit      int64         `json:"read_limit" mapstructure:"read_limit"` // bytes per inbound frame
	RateLimit      float64       `json:"rate_limit" mapstructure:"rate_limit"` // inbound frames per second per connection
	RateBurst      int           `json:"rate_burst" mapstructure:"rate_burst"`
	WriteTimeout   time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	PingInterval   time.Duration `json:"ping_interval" mapstructure:"ping_interval"`
	AllowedOrigins []string      `json:"allowed_origins" mapstructure:"allowed_origins"`
}

// EngineConfig holds session and run tuning
type EngineConfig struct {
	QueuePolicy    string        `json:"queue_policy" mapstructure:"queue_policy"` // reject, queue, interrupt-and-replace
	GracePeriod    time.Duration `json:"grace_period" mapstructure:"grace_period"`
	MaxRunDuration time.Duration `json:"max_run_duration" mapstructure:"max_run_duration"` // 0 disables
	EmitterBuffer  int           `json:"emitter_buffer" mapstructure:"emitter_buffer"`
	FlushTimeout   time.Duration `json:"flush_timeout" mapstructure:"flush_timeout"`
	SweepSchedule  string        `json:"sweep_schedule" mapstructure:"sweep_schedule"` // cron spec
}

// StoreConfig holds snapshot store configuration
type StoreConfig struct {
	Driver        string        `json:"driver" mapstructure:"driver"` // memory, sqlite, redis
	Path          string        `json:"path" mapstructure:"path"`
	RedisAddr     string        `json:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string        `json:"redis_password" mapstructure:"redis_password"`
	RedisDB       int           `json:"redis_db" mapstructure:"redis_db"`
	TTL           time.Duration `json:"ttl" mapstructure:"ttl"`
}

// HandlerConfig selects and configures the run handler
type HandlerConfig struct {
	Name         string        `json:"name" mapstructure:"name"` // echo, anthropic, openai
	Model        string        `json:"model" mapstructure:"model"`
	APIKey       string        `json:"api_key" mapstructure:"api_key"`
	BaseURL      string        `json:"base_url" mapstructure:"base_url"`
	MaxTokens    int           `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string        `json:"system_prompt" mapstructure:"system_prompt"`
	EchoDelay    time.Duration `json:"echo_delay" mapstructure:"echo_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"` // 0..1
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadLimit:    64 * 1024,
			RateLimit:    20,
			RateBurst:    40,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Engine: EngineConfig{
			QueuePolicy:    "interrupt-and-replace",
			GracePeriod:    30 * time.Second,
			MaxRunDuration: 5 * time.Minute,
			EmitterBuffer:  256,
			FlushTimeout:   5 * time.Second,
			SweepSchedule:  "@every 5s",
		},
		Store: StoreConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
		},
		Handler: HandlerConfig{
			Name:      "echo",
			MaxTokens: 1024,
			EchoDelay: 20 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "tandem",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Handler.APIKey != "" {
		masked.Handler.APIKey = "********"
	}
	if masked.Store.RedisPassword != "" {
		masked.Store.RedisPassword = "********"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidatePort(c.Gateway.Port); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if c.Gateway.ReadLimit <= 0 {
		return fmt.Errorf("gateway: read_limit must be positive, got %d", c.Gateway.ReadLimit)
	}
	if c.Gateway.RateLimit < 0 {
		return fmt.Errorf("gateway: rate_limit cannot be negative")
	}
	if c.Gateway.RateLimit > 0 && c.Gateway.RateBurst <= 0 {
		return fmt.Errorf("gateway: rate_burst must be positive when rate_limit is set")
	}

	if err := v.ValidateQueuePolicy(c.Engine.QueuePolicy); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Engine.GracePeriod <= 0 {
		return fmt.Errorf("engine: grace_period must be positive, got %s", c.Engine.GracePeriod)
	}
	if c.Engine.MaxRunDuration < 0 {
		return fmt.Errorf("engine: max_run_duration cannot be negative")
	}
	if c.Engine.EmitterBuffer <= 0 {
		return fmt.Errorf("engine: emitter_buffer must be positive, got %d", c.Engine.EmitterBuffer)
	}
	if err := v.ValidateSchedule(c.Engine.SweepSchedule); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if err := v.ValidateStoreDriver(c.Store.Driver); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if c.Store.Driver == "redis" && c.Store.RedisAddr == "" {
		return fmt.Errorf("store: redis_addr is required for the redis driver")
	}

	if err := v.ValidateHandler(c.Handler.Name); err != nil {
		return fmt.Errorf("handler: %w", err)
	}
	if c.Handler.Name == "anthropic" || c.Handler.Name == "openai" {
		if err := v.ValidateAPIKey(c.Handler.APIKey, c.Handler.Name); err != nil {
			return fmt.Errorf("handler: %w", err)
		}
		if err := v.ValidateMaxTokens(c.Handler.MaxTokens); err != nil {
			return fmt.Errorf("handler: %w", err)
		}
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing: sample_ratio must be within [0, 1], got %v", c.Tracing.SampleRatio)
	}

	return nil
}
