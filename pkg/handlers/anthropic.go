package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/tandem/internal/config"
	"github.com/harun/tandem/pkg/protocol"
	"github.com/harun/tandem/pkg/runner"
	"github.com/harun/tandem/pkg/step"
	"github.com/rs/zerolog"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// Anthropic streams replies from the Anthropic Messages API into a message
// step.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	system    string
	logger    zerolog.Logger
}

// NewAnthropic creates an Anthropic handler from cfg.
func NewAnthropic(cfg config.HandlerConfig, logger zerolog.Logger, opts ...option.RequestOption) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic handler requires an api key")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &Anthropic{
		client:    anthropic.NewClient(reqOpts...),
		model:     model,
		maxTokens: maxTokens,
		system:    cfg.SystemPrompt,
		logger:    logger,
	}, nil
}

// Handle implements runner.Handler.
func (a *Anthropic) Handle(ctx context.Context, evt protocol.Inbound, h *runner.Handle) error {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(evt.Text)),
		},
	}
	if a.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.system}}
	}

	_, err := streamInto(ctx, h, "", step.KindMessage, func(ctx context.Context, yield runner.YieldFunc) error {
		stream := a.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
			if !ok || text.Text == "" {
				continue
			}
			if !yield(step.Text(text.Text)) {
				return nil
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			return fmt.Errorf("anthropic stream: %w", err)
		}
		return nil
	})
	if err != nil {
		a.logger.Debug().Err(err).Str("run_id", h.RunID()).Msg("Anthropic run ended early")
	}
	return err
}
