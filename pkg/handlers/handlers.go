package handlers

import (
	"context"
	"fmt"

	"github.com/harun/tandem/internal/config"
	"github.com/harun/tandem/pkg/runner"
	"github.com/harun/tandem/pkg/step"
	"github.com/rs/zerolog"
)

const (
	NameEcho      = "echo"
	NameAnthropic = "anthropic"
	NameOpenAI    = "openai"
)

// streamBuffer bounds how far a producer may run ahead of the tree.
const streamBuffer = 16

// New builds the handler named by cfg.Name.
func New(cfg config.HandlerConfig, logger zerolog.Logger) (runner.Handler, error) {
	logger = logger.With().Str("handler", cfg.Name).Logger()

	switch cfg.Name {
	case "", NameEcho:
		return NewEcho(cfg.EchoDelay).Handle, nil
	case NameAnthropic:
		h, err := NewAnthropic(cfg, logger)
		if err != nil {
			return nil, err
		}
		return h.Handle, nil
	case NameOpenAI:
		h, err := NewOpenAI(cfg, logger)
		if err != nil {
			return nil, err
		}
		return h.Handle, nil
	default:
		return nil, fmt.Errorf("unknown handler: %s", cfg.Name)
	}
}

// streamInto creates a step of the given kind and fills it from produce.
// The step is completed only if both the stream and the producer succeed;
// otherwise the run's finalization settles it.
func streamInto(ctx context.Context, h *runner.Handle, parentID string, kind step.Kind, produce runner.ProduceFunc) (step.Step, error) {
	s, err := h.CreateStep(parentID, kind, "")
	if err != nil {
		return step.Step{}, err
	}

	frags, errc := runner.Produce(ctx, streamBuffer, produce)
	if err := h.Stream(ctx, s.ID, frags); err != nil {
		return s, err
	}
	if err := <-errc; err != nil {
		return s, err
	}
	return s, h.Complete(s.ID)
}
