package sentiment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Label is the four-way stance toward a mention
type Label string

const (
	LabelBullish Label = "BULLISH"
	LabelBearish Label = "BEARISH"
	LabelNeutral Label = "NEUTRAL"
	LabelUnclear Label = "UNCLEAR"
)

// Valid reports whether l is one of the four labels
func (l Label) Valid() bool {
	switch l {
	case LabelBullish, LabelBearish, LabelNeutral, LabelUnclear:
		return true
	}
	return false
}

// Source says how a mention was found
type Source string

const (
	SourceExplicitTag Source = "explicit_tag"
	SourceBareToken   Source = "bare_token"
	SourceSynonym     Source = "synonym"
	SourceInherited   Source = "inherited_context"
)

// Rank orders sources for dedup: explicit tag wins, inherited context loses
func (s Source) Rank() int {
	switch s {
	case SourceExplicitTag:
		return 4
	case SourceBareToken:
		return 3
	case SourceSynonym:
		return 2
	case SourceInherited:
		return 1
	}
	return 0
}

// Direct reports whether the mention was found in the target's own text
func (s Source) Direct() bool {
	return s == SourceExplicitTag || s == SourceBareToken || s == SourceSynonym
}

// TargetType is the kind of text a stance is computed for
type TargetType string

const (
	TargetSubmission TargetType = "submission"
	TargetComment    TargetType = "comment"
)

// Mention is one ticker found in a text. Inherited mentions have span -1.
type Mention struct {
	Ticker     string  `db:"ticker" json:"ticker"`
	Confidence float64 `db:"mention_confidence" json:"confidence"`
	Source     Source  `db:"source" json:"source"`
	SpanStart  int     `db:"span_start" json:"span_start"`
	SpanEnd    int     `db:"span_end" json:"span_end"`
}

// Width is the length of the matched span
func (m Mention) Width() int {
	return m.SpanEnd - m.SpanStart
}

// Probabilities is a bullish/bearish/neutral distribution from a stance model
type Probabilities struct {
	Bullish float64 `json:"bullish"`
	Bearish float64 `json:"bearish"`
	Neutral float64 `json:"neutral"`
}

// Usage is the token accounting a hosted model reports for one call
type Usage struct {
	PromptTokens int64           `json:"prompt_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	Cost         decimal.Decimal `json:"cost"`
}

// Add accumulates other into u
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.Cost = u.Cost.Add(other.Cost)
}

// StanceResult is the classified stance for one mention in one target
type StanceResult struct {
	Mention        Mention       `json:"mention"`
	Label          Label         `json:"label"`
	Score          float64       `json:"score"`
	Confidence     float64       `json:"confidence"`
	ModelVersion   string        `json:"model_version"`
	ContextText    string        `json:"context_text"`
	Probabilities  Probabilities `json:"probabilities"`
	Usage          Usage         `json:"usage"`
	Escalated      bool          `json:"escalated"`
	FallbackFailed bool          `json:"fallback_failed"`
}

// AggregationRecord is one stance result with the inputs needed for weighting
type AggregationRecord struct {
	Ticker    string    `db:"ticker"`
	Label     Label     `db:"label"`
	Score     float64   `db:"score"`
	Upvotes   int       `db:"upvote_score"`
	Depth     int       `db:"depth"`
	CreatedAt time.Time `db:"created_at"`
}

// SourceAll is the metrics source merging every subreddit of a day
const SourceAll = "ALL"

// TickerMetrics are mergeable sufficient statistics for one
// (date bucket, source, ticker) plus the values derived from them.
type TickerMetrics struct {
	BucketDate time.Time `db:"bucket_date" ch:"bucket_date" json:"bucket_date"`
	Source     string    `db:"source" ch:"source" json:"source"`
	Ticker     string    `db:"ticker" ch:"ticker" json:"ticker"`

	MentionCount int `db:"mention_count" ch:"mention_count" json:"mention_count"`
	ValidCount   int `db:"valid_count" ch:"valid_count" json:"valid_count"`
	BullishCount int `db:"bullish_count" ch:"bullish_count" json:"bullish_count"`
	BearishCount int `db:"bearish_count" ch:"bearish_count" json:"bearish_count"`
	NeutralCount int `db:"neutral_count" ch:"neutral_count" json:"neutral_count"`
	UnclearCount int `db:"unclear_count" ch:"unclear_count" json:"unclear_count"`

	ScoreSumUnweighted  float64 `db:"score_sum_unweighted" ch:"score_sum_unweighted" json:"score_sum_unweighted"`
	WeightedNumerator   float64 `db:"weighted_numerator" ch:"weighted_numerator" json:"weighted_numerator"`
	WeightedDenominator float64 `db:"weighted_denominator" ch:"weighted_denominator" json:"weighted_denominator"`

	ScoreUnweighted  float64 `db:"score_unweighted" ch:"score_unweighted" json:"score_unweighted"`
	ScoreWeighted    float64 `db:"score_weighted" ch:"score_weighted" json:"score_weighted"`
	StddevUnweighted float64 `db:"stddev_unweighted" ch:"stddev_unweighted" json:"stddev_unweighted"`
	CI95Low          float64 `db:"ci95_low" ch:"ci95_low" json:"ci95_low"`
	CI95High         float64 `db:"ci95_high" ch:"ci95_high" json:"ci95_high"`
}

// UnclearRate is unclear_count / mention_count, 0 without mentions
func (m TickerMetrics) UnclearRate() float64 {
	if m.MentionCount == 0 {
		return 0
	}
	return float64(m.UnclearCount) / float64(m.MentionCount)
}
