package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/tandem/internal/config"
	"github.com/harun/tandem/pkg/protocol"
	"github.com/harun/tandem/pkg/runner"
	"github.com/harun/tandem/pkg/step"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI streams chat completions into a message step.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
	system    string
	logger    zerolog.Logger
}

// NewOpenAI creates an OpenAI handler from cfg.
func NewOpenAI(cfg config.HandlerConfig, logger zerolog.Logger, opts ...option.RequestOption) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai handler requires an api key")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	return &OpenAI{
		client:    openai.NewClient(reqOpts...),
		model:     model,
		maxTokens: int64(cfg.MaxTokens),
		system:    cfg.SystemPrompt,
		logger:    logger,
	}, nil
}

// Handle implements runner.Handler.
func (o *OpenAI) Handle(ctx context.Context, evt protocol.Inbound, h *runner.Handle) error {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if o.system != "" {
		messages = append(messages, openai.SystemMessage(o.system))
	}
	messages = append(messages, openai.UserMessage(evt.Text))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: messages,
	}
	if o.maxTokens > 0 {
		params.MaxTokens = openai.Int(o.maxTokens)
	}

	_, err := streamInto(ctx, h, "", step.KindMessage, func(ctx context.Context, yield runner.YieldFunc) error {
		stream := o.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			content := chunk.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			if !yield(step.Text(content)) {
				return nil
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			return fmt.Errorf("openai stream: %w", err)
		}
		return nil
	})
	if err != nil {
		o.logger.Debug().Err(err).Str("run_id", h.RunID()).Msg("OpenAI run ended early")
	}
	return err
}
