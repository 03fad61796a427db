package stancemodel

import (
	"context"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

// New builds the stance model of the given kind. Kind "none" returns nil.
func New(ctx context.Context, kind string, cfg config.StanceConfig, log *logger.Logger) (sentiment.StanceModel, error) {
	var (
		model sentiment.StanceModel
		err   error
	)
	switch kind {
	case config.ModelLexicon:
		return NewLexicon(), nil
	case config.ModelONNX:
		var m *ONNX
		if m, err = NewONNX(cfg.ONNXModelPath, cfg.ONNXLibPath, cfg.ONNXFeatures); err == nil {
			model = m
		}
	case config.ModelOpenAI:
		var m *OpenAI
		if m, err = NewOpenAI(cfg, log); err == nil {
			model = m
		}
	case config.ModelGemini:
		var m *Gemini
		if m, err = NewGemini(ctx, cfg, nil, log); err == nil {
			model = m
		}
	case config.ModelNone, "":
		return nil, nil
	default:
		return nil, errors.NewValidationError("stance_model", "unknown model kind", kind)
	}
	if err != nil {
		return nil, err
	}
	return model, nil
}

// Build returns the primary and fallback models. A primary that cannot load
// degrades to the lexicon model; a fallback that cannot load is disabled.
func Build(ctx context.Context, cfg config.StanceConfig, log *logger.Logger) (primary, fallback sentiment.StanceModel) {
	log = log.With("component", "stance_models")

	primary, err := New(ctx, cfg.PrimaryModel, cfg, log)
	if err != nil || primary == nil {
		log.Warnw("Primary stance model unavailable, using lexicon",
			"model", cfg.PrimaryModel,
			"error", err,
		)
		primary = NewLexicon()
	}

	fallback, err = New(ctx, cfg.FallbackModel, cfg, log)
	if err != nil {
		log.Warnw("Fallback stance model disabled",
			"model", cfg.FallbackModel,
			"error", err,
		)
		fallback = nil
	}

	log.Infow("Stance models ready",
		"primary", primary.Version(),
		"fallback", versionOf(fallback),
	)
	return primary, fallback
}

func versionOf(m sentiment.StanceModel) string {
	if m == nil {
		return "none"
	}
	return m.Version()
}
