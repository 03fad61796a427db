package stancemodel

import (
	"context"
	"net/http"
	"time"

	"google.golang.org/genai"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/adapters/retry"
	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

var verdictSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"label": {
			Type: genai.TypeString,
			Enum: []string{
				string(sentiment.LabelBullish),
				string(sentiment.LabelBearish),
				string(sentiment.LabelNeutral),
				string(sentiment.LabelUnclear),
			},
		},
		"confidence": {Type: genai.TypeNumber},
	},
	Required: []string{"label"},
}

// Gemini asks a Gemini model for a JSON stance verdict
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	timeout     time.Duration
	pricing     pricing
	retry       *retry.Middleware
	log         *logger.Logger
}

// NewGemini creates the model. httpClient may be nil.
func NewGemini(ctx context.Context, cfg config.StanceConfig, httpClient *http.Client, log *logger.Logger) (*Gemini, error) {
	if cfg.GeminiKey == "" {
		return nil, errors.Wrap(errors.ErrModelUnavailable, "GEMINI_API_KEY is required for the gemini stance model")
	}
	prices, err := newPricing(cfg)
	if err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.GeminiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.GeminiBaseURL},
	})
	if err != nil {
		return nil, errors.Wrapf(errors.ErrModelUnavailable, "gemini client: %v", err)
	}

	return &Gemini{
		client:      client,
		model:       cfg.GeminiModel,
		temperature: float32(cfg.LLMTemperature),
		maxTokens:   int32(max(cfg.LLMMaxTokens, 32)),
		timeout:     cfg.LLMTimeout,
		pricing:     prices,
		retry:       newLLMRetry(cfg),
		log:         log.With("component", "stance_gemini", "model", cfg.GeminiModel),
	}, nil
}

func (g *Gemini) Version() string { return "gemini-" + g.model }

func (g *Gemini) Predict(ctx context.Context, contextText string) (sentiment.Probabilities, *sentiment.Usage, error) {
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt(tickerFromContext(contextText))}},
		},
		Temperature:      genai.Ptr(g.temperature),
		MaxOutputTokens:  g.maxTokens,
		ResponseMIMEType: "application/json",
		ResponseSchema:   verdictSchema,
	}

	var (
		probs sentiment.Probabilities
		usage *sentiment.Usage
	)
	err := g.retry.Do(ctx, func(n int) error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		resp, err := g.client.Models.GenerateContent(callCtx, g.model, genai.Text(userPrompt(contextText)), genCfg)
		if err != nil {
			g.log.Debugw("Stance request failed", "attempt", n, "error", err)
			return attempt(ctx, err)
		}
		p, err := parseVerdict(resp.Text())
		if err != nil {
			return attempt(ctx, err)
		}
		probs = p
		usage = g.usage(resp.UsageMetadata)
		return nil
	})
	if err != nil {
		return sentiment.Probabilities{}, nil, finalError(g.Version(), err)
	}
	return probs, usage, nil
}

func (g *Gemini) usage(meta *genai.GenerateContentResponseUsageMetadata) *sentiment.Usage {
	if meta == nil {
		return g.pricing.usage(0, 0, 0)
	}
	return g.pricing.usage(int64(meta.PromptTokenCount), int64(meta.CandidatesTokenCount), int64(meta.TotalTokenCount))
}
