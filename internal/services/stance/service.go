package stance

import (
	"context"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/internal/metrics"
	"tickerpulse/internal/services/extraction"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

// inheritedConfidence is the mention confidence of tickers taken from the
// parent comment or the post title
const inheritedConfidence = 0.4

// Context section bounds, in runes
const (
	maxTitleLen  = 300
	maxSelfLen   = 1500
	maxParentLen = 1000
	maxTextLen   = 2000
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	wordCueRe    = regexp.MustCompile(`^\w[\w ]*\w$|^\w$`)
)

// Target is one post or comment to classify
type Target struct {
	Type       sentiment.TargetType
	Text       string
	Title      string
	Selftext   string
	ParentText string
}

// Service runs extraction and the primary/fallback classification cascade
type Service struct {
	cfg       config.StanceConfig
	extractor *extraction.Extractor
	primary   sentiment.StanceModel
	fallback  sentiment.StanceModel
	sarcasm   []*regexp.Regexp
	tracker   errors.Tracker
	log       *logger.Logger

	fallbackFailures atomic.Int64
}

// NewService creates the cascade. fallback may be nil to disable escalation.
func NewService(
	cfg config.StanceConfig,
	extractor *extraction.Extractor,
	primary, fallback sentiment.StanceModel,
	tracker errors.Tracker,
	log *logger.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		extractor: extractor,
		primary:   primary,
		fallback:  fallback,
		sarcasm:   compileCues(cfg.SarcasmCueList()),
		tracker:   tracker,
		log:       log.With("component", "stance"),
	}
}

// Primary is the model every mention goes through first
func (s *Service) Primary() sentiment.StanceModel {
	return s.primary
}

// FallbackFailures counts fallback calls that failed since start
func (s *Service) FallbackFailures() int64 {
	return s.fallbackFailures.Load()
}

// BuildContext renders the bounded context shared by all mentions of a target
func BuildContext(title, selftext, parent, text string) string {
	return "TITLE: " + clampRunes(normalizeText(title), maxTitleLen) +
		"\nSELF: " + clampRunes(normalizeText(selftext), maxSelfLen) +
		"\nPARENT: " + clampRunes(normalizeText(parent), maxParentLen) +
		"\nTEXT: " + clampRunes(normalizeText(text), maxTextLen)
}

// Mentions extracts the target's own mentions. A comment without any may
// inherit the tickers of its parent and, optionally, of the post title.
func (s *Service) Mentions(t Target) []sentiment.Mention {
	mentions := s.extractor.Extract(t.Text)
	if len(mentions) > 0 || t.Type != sentiment.TargetComment || !s.cfg.InheritParent {
		return mentions
	}

	inherited := map[string]struct{}{}
	for _, ticker := range s.extractor.ExtractTickers(t.ParentText) {
		inherited[ticker] = struct{}{}
	}
	if s.cfg.InheritTitle {
		for _, ticker := range s.extractor.ExtractTickers(t.Title) {
			inherited[ticker] = struct{}{}
		}
	}

	out := make([]sentiment.Mention, 0, len(inherited))
	for ticker := range inherited {
		out = append(out, sentiment.Mention{
			Ticker:     ticker,
			Confidence: inheritedConfidence,
			Source:     sentiment.SourceInherited,
			SpanStart:  -1,
			SpanEnd:    -1,
		})
	}
	return extraction.MergeByTicker(out)
}

// AnalyzeTarget returns one stance result per surviving mention. A primary
// model error fails the target; a fallback error keeps the primary result.
func (s *Service) AnalyzeTarget(ctx context.Context, t Target) ([]sentiment.StanceResult, error) {
	mentions := s.Mentions(t)
	if len(mentions) == 0 {
		return nil, nil
	}

	base := BuildContext(t.Title, t.Selftext, t.ParentText, t.Text)
	shortText := utf8.RuneCountInString(normalizeText(t.Text)) < s.cfg.ShortTextLen
	sarcastic := s.cfg.EscalateOnSarcasm && s.hasSarcasm(t.Text)

	results := make([]sentiment.StanceResult, 0, len(mentions))
	for _, m := range mentions {
		prompt := base + "\nTICKER: " + m.Ticker

		probs, usage, err := s.primary.Predict(ctx, prompt)
		if err != nil {
			return nil, errors.Wrapf(err, "primary stance model %s", s.primary.Version())
		}

		r := sentiment.StanceResult{
			Mention:       m,
			ModelVersion:  s.primary.Version(),
			ContextText:   base,
			Probabilities: probs,
		}
		r.Label, r.Confidence = s.label(m, probs, shortText)
		r.Score = score(probs)
		if usage != nil {
			r.Usage.Add(*usage)
			metrics.RecordLLMTokens(r.ModelVersion, usage.PromptTokens, usage.OutputTokens)
		}

		if s.shouldEscalate(m, r, sarcastic) {
			s.escalate(ctx, prompt, shortText, &r)
		}

		metrics.RecordStance(r.ModelVersion, string(r.Label))
		results = append(results, r)
	}
	return results, nil
}

func (s *Service) shouldEscalate(m sentiment.Mention, r sentiment.StanceResult, sarcastic bool) bool {
	if s.fallback == nil {
		return false
	}
	// The label of such a mention is fixed to UNCLEAR whatever the model says.
	if m.Source == sentiment.SourceInherited && !s.cfg.AllowContextInference {
		return false
	}
	if !s.cfg.EscalateUnclearOnly {
		return true
	}
	return sarcastic || r.Label == sentiment.LabelUnclear || r.Confidence < s.cfg.LowConfidenceThreshold
}

func (s *Service) escalate(ctx context.Context, prompt string, shortText bool, r *sentiment.StanceResult) {
	probs, usage, err := s.fallback.Predict(ctx, prompt)
	if err != nil {
		n := s.fallbackFailures.Add(1)
		r.FallbackFailed = true
		metrics.RecordFallbackFailure(s.fallback.Version())
		s.log.Warnw("Fallback stance model failed, keeping primary result",
			"model", s.fallback.Version(),
			"ticker", r.Mention.Ticker,
			"failures", n,
			"error", err,
		)
		if s.tracker != nil {
			_ = s.tracker.CaptureError(ctx, err, map[string]string{
				"component": "stance",
				"model":     s.fallback.Version(),
			})
		}
		return
	}

	r.Escalated = true
	r.Probabilities = probs
	r.ModelVersion = s.fallback.Version()
	r.Label, r.Confidence = s.label(r.Mention, probs, shortText)
	r.Score = score(probs)
	if usage != nil {
		r.Usage.Add(*usage)
		metrics.RecordLLMTokens(r.ModelVersion, usage.PromptTokens, usage.OutputTokens)
	}
}

// label picks the arg-max class, overridden to UNCLEAR for disallowed
// inherited mentions, weak winners and very short texts that do not name the
// ticker themselves.
func (s *Service) label(m sentiment.Mention, p sentiment.Probabilities, shortText bool) (sentiment.Label, float64) {
	label, conf := sentiment.LabelBullish, p.Bullish
	if p.Bearish > conf {
		label, conf = sentiment.LabelBearish, p.Bearish
	}
	if p.Neutral > conf {
		label, conf = sentiment.LabelNeutral, p.Neutral
	}

	inherited := m.Source == sentiment.SourceInherited
	switch {
	case inherited && !s.cfg.AllowContextInference:
		return sentiment.LabelUnclear, conf
	case conf < s.cfg.UnclearThreshold:
		return sentiment.LabelUnclear, conf
	case shortText && inherited:
		return sentiment.LabelUnclear, conf
	}
	return label, conf
}

func (s *Service) hasSarcasm(text string) bool {
	lower := strings.ToLower(text)
	for _, re := range s.sarcasm {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// compileCues matches word cues on word boundaries and symbol cues such as
// "/s" only as standalone tokens, so links like /r/stocks do not trigger.
func compileCues(cues []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(cues))
	for _, cue := range cues {
		if cue == "" {
			continue
		}
		quoted := regexp.QuoteMeta(cue)
		if wordCueRe.MatchString(cue) {
			out = append(out, regexp.MustCompile(`\b`+quoted+`\b`))
			continue
		}
		out = append(out, regexp.MustCompile(`(?:^|\s)`+quoted+`(?:$|\s)`))
	}
	return out
}

// score is bullish minus bearish mass, clamped to [-1, 1]
func score(p sentiment.Probabilities) float64 {
	v := p.Bullish - p.Bearish
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func normalizeText(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

func clampRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
