package stancemodel

import (
	"context"
	"regexp"
	"strings"

	"tickerpulse/internal/domain/sentiment"
)

// LexiconVersion identifies the keyword model in stored stance rows
const LexiconVersion = "deterministic-v1"

var wordRe = regexp.MustCompile(`[a-z']+`)

var (
	bullishWords = wordSet("bull", "bullish", "buy", "long", "moon", "pump", "beat", "upside", "rally", "undervalued", "strong", "calls")
	bearishWords = wordSet("bear", "bearish", "sell", "short", "dump", "miss", "downside", "crash", "overvalued", "weak", "puts")
	neutralWords = wordSet("neutral", "hold", "wait", "sideways", "flat", "mixed")
)

// Lexicon scores stance by counting keyword hits. Without hits it leans neutral.
type Lexicon struct{}

// NewLexicon creates the keyword model
func NewLexicon() *Lexicon {
	return &Lexicon{}
}

func (l *Lexicon) Version() string { return LexiconVersion }

func (l *Lexicon) Predict(_ context.Context, contextText string) (sentiment.Probabilities, *sentiment.Usage, error) {
	var bull, bear, neu int
	for _, tok := range wordRe.FindAllString(strings.ToLower(contextText), -1) {
		if _, ok := bullishWords[tok]; ok {
			bull++
		}
		if _, ok := bearishWords[tok]; ok {
			bear++
		}
		if _, ok := neutralWords[tok]; ok {
			neu++
		}
	}

	if bull == 0 && bear == 0 && neu == 0 {
		return sentiment.Probabilities{Bullish: 0.22, Bearish: 0.22, Neutral: 0.56}, nil, nil
	}

	total := float64(bull + bear + neu + 1)
	return sentiment.Probabilities{
		Bullish: (float64(bull) + 0.2) / total,
		Bearish: (float64(bear) + 0.2) / total,
		Neutral: (float64(neu) + 0.6) / total,
	}, nil, nil
}

func wordSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}
