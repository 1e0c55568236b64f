package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and writing prompts to out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run walks through the handler and store settings and returns the result.
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== tandem configuration ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	// Handler
	for {
		name, err := w.prompt("Handler (echo/anthropic/openai)", cfg.Handler.Name)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateHandler(name); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Handler.Name = name
		break
	}

	if cfg.Handler.Name != "echo" {
		for {
			key, err := w.prompt(cfg.Handler.Name+" API key", "")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAPIKey(key, cfg.Handler.Name); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Handler.APIKey = key
			break
		}

		model, err := w.prompt("Model", defaultModel(cfg.Handler.Name))
		if err != nil {
			return nil, err
		}
		cfg.Handler.Model = model
	}

	fmt.Fprintln(w.out)

	// Store
	for {
		driver, err := w.prompt("Snapshot store (memory/sqlite/redis)", cfg.Store.Driver)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateStoreDriver(driver); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Store.Driver = driver
		break
	}

	if cfg.Store.Driver == "redis" {
		addr, err := w.prompt("Redis address", "localhost:6379")
		if err != nil {
			return nil, err
		}
		cfg.Store.RedisAddr = addr
	}

	fmt.Fprintln(w.out)

	// Log Level
	level, err := w.prompt("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
	} else {
		cfg.Logging.Level = level
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

// prompt reads one answer, returning def for an empty line.
func (w *Wizard) prompt(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", label)
	}

	line, err := w.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

func defaultModel(handler string) string {
	switch handler {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o-mini"
	}
	return ""
}
