package stancemodel

import (
	"context"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/adapters/retry"
	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

// OpenAI asks a chat completion model for a JSON stance verdict
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int64
	timeout     time.Duration
	pricing     pricing
	retry       *retry.Middleware
	log         *logger.Logger
}

// NewOpenAI creates the model using the official SDK. The SDK's own retries
// are disabled; retries follow the LLM backoff settings instead.
func NewOpenAI(cfg config.StanceConfig, log *logger.Logger, opts ...option.RequestOption) (*OpenAI, error) {
	if cfg.OpenAIKey == "" {
		return nil, errors.Wrap(errors.ErrModelUnavailable, "OPENAI_API_KEY is required for the openai stance model")
	}
	prices, err := newPricing(cfg)
	if err != nil {
		return nil, err
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(cfg.OpenAIKey),
		option.WithMaxRetries(0),
	}
	if cfg.OpenAIBaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}
	clientOpts = append(clientOpts, opts...)

	return &OpenAI{
		client:      openai.NewClient(clientOpts...),
		model:       cfg.OpenAIModel,
		temperature: cfg.LLMTemperature,
		maxTokens:   cfg.LLMMaxTokens,
		timeout:     cfg.LLMTimeout,
		pricing:     prices,
		retry:       newLLMRetry(cfg),
		log:         log.With("component", "stance_openai", "model", cfg.OpenAIModel),
	}, nil
}

func (o *OpenAI) Version() string { return "openai-" + o.model }

func (o *OpenAI) Predict(ctx context.Context, contextText string) (sentiment.Probabilities, *sentiment.Usage, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt(tickerFromContext(contextText))),
			openai.UserMessage(userPrompt(contextText)),
		},
		Temperature:         openai.Float(o.temperature),
		MaxCompletionTokens: openai.Int(o.maxTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	var (
		probs sentiment.Probabilities
		usage *sentiment.Usage
	)
	err := o.retry.Do(ctx, func(n int) error {
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()

		resp, err := o.client.Chat.Completions.New(callCtx, params)
		if err != nil {
			o.log.Debugw("Stance request failed", "attempt", n, "error", err)
			return attempt(ctx, err)
		}
		if len(resp.Choices) == 0 {
			return attempt(ctx, errors.Wrap(errors.ErrUpstreamShape, "no choices in response"))
		}
		p, err := parseVerdict(resp.Choices[0].Message.Content)
		if err != nil {
			return attempt(ctx, err)
		}
		probs = p
		usage = o.pricing.usage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
		return nil
	})
	if err != nil {
		return sentiment.Probabilities{}, nil, finalError(o.Version(), err)
	}
	return probs, usage, nil
}
