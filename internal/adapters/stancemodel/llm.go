package stancemodel

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/adapters/retry"
	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/pkg/errors"
)

const (
	defaultLLMConfidence = 0.75
	maxPromptContext     = 4000 // runes
	maxLLMRetryDelay     = 6 * time.Second
)

var (
	tickerLineRe = regexp.MustCompile(`\bTICKER:\s*([A-Z][A-Z.]{0,5})\b`)

	unclearProbabilities = sentiment.Probabilities{Bullish: 0.33, Bearish: 0.33, Neutral: 0.34}

	million = decimal.NewFromInt(1_000_000)
)

func systemPrompt(ticker string) string {
	return "You are a financial social media sentiment analyst. " +
		"Read the comment in the context of the post title and the parent comment. " +
		fmt.Sprintf("Is the stance toward the ticker %s BULLISH, BEARISH or NEUTRAL? ", ticker) +
		"Watch for sarcasm and forum slang. Answer with JSON only."
}

func userPrompt(contextText string) string {
	if utf8.RuneCountInString(contextText) > maxPromptContext {
		contextText = string([]rune(contextText)[:maxPromptContext])
	}
	return "Use exactly this JSON shape:\n" +
		`{"label":"BULLISH|BEARISH|NEUTRAL|UNCLEAR","confidence":0.0-1.0}` + "\n\n" +
		"Context:\n" + contextText
}

func tickerFromContext(contextText string) string {
	if m := tickerLineRe.FindStringSubmatch(contextText); m != nil {
		return m[1]
	}
	return "UNKNOWN"
}

type verdict struct {
	Label      string      `json:"label"`
	Confidence interface{} `json:"confidence"`
}

// parseVerdict decodes the model answer, tolerating a markdown code fence
func parseVerdict(text string) (sentiment.Probabilities, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return sentiment.Probabilities{}, errors.Wrap(errors.ErrUpstreamShape, "empty model output")
	}
	if strings.HasPrefix(text, "```") {
		text = strings.Trim(text, "`")
		if strings.HasPrefix(strings.ToLower(text), "json") {
			text = text[4:]
		}
		text = strings.TrimSpace(text)
	}

	var v verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return sentiment.Probabilities{}, errors.Wrapf(errors.ErrUpstreamShape, "model output is not a JSON object: %v", err)
	}

	label := sentiment.Label(strings.ToUpper(strings.TrimSpace(v.Label)))
	if !label.Valid() {
		return sentiment.Probabilities{}, errors.Wrapf(errors.ErrUpstreamShape, "invalid label %q", v.Label)
	}
	return labelProbabilities(label, coerceConfidence(v.Confidence)), nil
}

func coerceConfidence(raw interface{}) float64 {
	var conf float64
	switch v := raw.(type) {
	case float64:
		conf = v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return defaultLLMConfidence
		}
		conf = f
	default:
		return defaultLLMConfidence
	}
	return clamp(conf, 0, 1)
}

// labelProbabilities spreads a single label verdict into a distribution. The
// dominant class is kept in [0.51, 0.99] so it always wins the arg-max.
func labelProbabilities(label sentiment.Label, confidence float64) sentiment.Probabilities {
	if label == sentiment.LabelUnclear {
		return unclearProbabilities
	}
	dominant := clamp(confidence, 0.51, 0.99)
	rest := (1 - dominant) / 2
	switch label {
	case sentiment.LabelBullish:
		return sentiment.Probabilities{Bullish: dominant, Bearish: rest, Neutral: rest}
	case sentiment.LabelBearish:
		return sentiment.Probabilities{Bullish: rest, Bearish: dominant, Neutral: rest}
	default:
		return sentiment.Probabilities{Bullish: rest, Bearish: rest, Neutral: dominant}
	}
}

// pricing converts token counts into cost using per-million-token prices
type pricing struct {
	input  decimal.Decimal
	output decimal.Decimal
}

func newPricing(cfg config.StanceConfig) (pricing, error) {
	in, err := decimal.NewFromString(cfg.InputPrice1M)
	if err != nil {
		return pricing{}, errors.NewValidationError("LLM_INPUT_PRICE_PER_1M", "not a decimal", cfg.InputPrice1M)
	}
	out, err := decimal.NewFromString(cfg.OutputPrice1M)
	if err != nil {
		return pricing{}, errors.NewValidationError("LLM_OUTPUT_PRICE_PER_1M", "not a decimal", cfg.OutputPrice1M)
	}
	return pricing{input: in, output: out}, nil
}

// usage fills a missing total or output count from the other two
func (p pricing) usage(prompt, output, total int64) *sentiment.Usage {
	if total <= 0 && prompt > 0 && output > 0 {
		total = prompt + output
	}
	if output <= 0 && total >= prompt && prompt > 0 {
		output = total - prompt
	}
	cost := p.input.Mul(decimal.NewFromInt(prompt)).Div(million).
		Add(p.output.Mul(decimal.NewFromInt(output)).Div(million))
	return &sentiment.Usage{
		PromptTokens: prompt,
		OutputTokens: output,
		TotalTokens:  total,
		Cost:         cost,
	}
}

// newLLMRetry backs off 1.5s, 3s, 6s, ... capped at 6s
func newLLMRetry(cfg config.StanceConfig, opts ...retry.Option) *retry.Middleware {
	return retry.New(retry.Config{
		MaxRetries:   cfg.LLMMaxRetries,
		InitialDelay: cfg.LLMRetryBackoff,
		MaxDelay:     maxLLMRetryDelay,
		Strategy:     retry.StrategyExponential,
		Multiplier:   2,
	}, opts...)
}

// attemptError marks a failed model call as retryable. It does not unwrap so
// a per-call timeout is not mistaken for cancellation of the caller.
type attemptError struct {
	err error
}

func (e *attemptError) Error() string   { return e.err.Error() }
func (e *attemptError) Retryable() bool { return true }

// attempt classifies an error from one model call
func attempt(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &attemptError{err: err}
}

// finalError unwraps the last attempt error into a model-unavailable error
func finalError(version string, err error) error {
	var ae *attemptError
	if errors.As(err, &ae) {
		err = ae.err
	}
	return errors.Wrapf(errors.ErrModelUnavailable, "%s stance request failed: %v", version, err)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
