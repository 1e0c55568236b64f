package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(kind, value string, valid []string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", kind, value, strings.Join(valid, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateQueuePolicy validates the busy-session policy
func (v *Validator) ValidateQueuePolicy(policy string) error {
	return oneOf("queue policy", policy, []string{"reject", "queue", "interrupt-and-replace"})
}

// ValidateStoreDriver validates the snapshot store driver
func (v *Validator) ValidateStoreDriver(driver string) error {
	return oneOf("store driver", driver, []string{"memory", "sqlite", "redis"})
}

// ValidateHandler validates the run handler name
func (v *Validator) ValidateHandler(name string) error {
	return oneOf("handler", name, []string{"echo", "anthropic", "openai"})
}

// ValidateSchedule validates a cron schedule, descriptors such as
// "@every 5s" included.
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return fmt.Errorf("schedule cannot be empty")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, []string{"debug", "info", "warn", "error"})
}
