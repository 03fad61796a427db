package aggregation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/domain/sentiment"
)

var refTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func flatEngine() *Engine {
	return NewEngine(config.AggregationConfig{Timezone: "Europe/Berlin"})
}

func rec(ticker string, label sentiment.Label, score float64, upvotes, depth int) sentiment.AggregationRecord {
	return sentiment.AggregationRecord{
		Ticker: ticker, Label: label, Score: score, Upvotes: upvotes, Depth: depth, CreatedAt: refTime,
	}
}

func TestCompute_WeightedExample(t *testing.T) {
	got := flatEngine().Compute([]sentiment.AggregationRecord{
		rec("X", sentiment.LabelBullish, 0.8, 9, 0),
		rec("X", sentiment.LabelBearish, -0.4, 3, 2),
		rec("X", sentiment.LabelUnclear, 0.99, 500, 0),
	}, refTime)

	require.Contains(t, got, "X")
	m := got["X"]
	assert.Equal(t, 3, m.MentionCount)
	assert.Equal(t, 2, m.ValidCount)
	assert.Equal(t, 1, m.UnclearCount)
	assert.InDelta(t, 0.2, m.ScoreUnweighted, 1e-9)

	want := (math.Log(10)*0.8 + math.Log(4)*-0.4) / (math.Log(10) + math.Log(4))
	assert.InDelta(t, want, m.ScoreWeighted, 1e-9)

	sd := math.Sqrt(0.72)
	assert.InDelta(t, sd, m.StddevUnweighted, 1e-9)
	assert.InDelta(t, 0.2-1.96*sd/math.Sqrt2, m.CI95Low, 1e-9)
	assert.InDelta(t, math.Min(1, 0.2+1.96*sd/math.Sqrt2), m.CI95High, 1e-9)
	assert.InDelta(t, 1.0/3, m.UnclearRate(), 1e-9)
}

func TestCompute_CountsAddUp(t *testing.T) {
	labels := []sentiment.Label{sentiment.LabelBullish, sentiment.LabelBearish, sentiment.LabelNeutral, sentiment.LabelUnclear}
	var records []sentiment.AggregationRecord
	for i := 0; i < 37; i++ {
		records = append(records, rec([]string{"A", "B", "C"}[i%3], labels[i%4], float64(i%7)/7-0.4, i, i%4))
	}

	for _, m := range flatEngine().Compute(records, refTime) {
		assert.Equal(t, m.MentionCount, m.ValidCount+m.UnclearCount, m.Ticker)
		assert.Equal(t, m.ValidCount, m.BullishCount+m.BearishCount+m.NeutralCount, m.Ticker)
		assert.GreaterOrEqual(t, m.CI95Low, -1.0)
		assert.LessOrEqual(t, m.CI95High, 1.0)
	}
}

func TestCompute_ZeroWeightFallsBackToUnweighted(t *testing.T) {
	m := flatEngine().Compute([]sentiment.AggregationRecord{
		rec("X", sentiment.LabelBullish, 0.6, 0, 0),
		rec("X", sentiment.LabelNeutral, 0.0, -5, 0),
	}, refTime)["X"]

	assert.Zero(t, m.WeightedDenominator)
	assert.InDelta(t, 0.3, m.ScoreWeighted, 1e-9)
}

func TestCompute_SingleValidHasDegenerateSpread(t *testing.T) {
	m := flatEngine().Compute([]sentiment.AggregationRecord{
		rec("X", sentiment.LabelBullish, 0.6, 4, 0),
		rec("X", sentiment.LabelUnclear, 0, 4, 0),
	}, refTime)["X"]

	assert.Zero(t, m.StddevUnweighted)
	assert.Equal(t, m.ScoreUnweighted, m.CI95Low)
	assert.Equal(t, m.ScoreUnweighted, m.CI95High)
}

func TestCompute_OnlyUnclear(t *testing.T) {
	m := flatEngine().Compute([]sentiment.AggregationRecord{
		rec("X", sentiment.LabelUnclear, 0.9, 4, 0),
	}, refTime)["X"]

	assert.Equal(t, 1, m.MentionCount)
	assert.Zero(t, m.ValidCount)
	assert.Zero(t, m.ScoreUnweighted)
	assert.Zero(t, m.ScoreWeighted)
	assert.Equal(t, 1.0, m.UnclearRate())
}

func TestWeight_Decays(t *testing.T) {
	e := NewEngine(config.AggregationConfig{
		UseDepthDecay: true, LambdaDepth: 0.15,
		UseTimeDecay: true, LambdaTime: 0.05,
		Timezone: "Europe/Berlin",
	})

	r := rec("X", sentiment.LabelBullish, 1, 9, 2)
	r.CreatedAt = refTime.Add(-10 * time.Hour)
	want := math.Log(10) * math.Exp(-0.3) * math.Exp(-0.5)
	assert.InDelta(t, want, e.Weight(r, refTime), 1e-9)

	future := r
	future.CreatedAt = refTime.Add(time.Hour)
	future.Depth = -1
	assert.InDelta(t, math.Log(10), e.Weight(future, refTime), 1e-9)
}

func TestMerge_MatchesComputeOnUnion(t *testing.T) {
	e := NewEngine(config.AggregationConfig{UseDepthDecay: true, LambdaDepth: 0.15, Timezone: "UTC"})
	a := []sentiment.AggregationRecord{
		rec("X", sentiment.LabelBullish, 0.9, 12, 0),
		rec("X", sentiment.LabelBearish, -0.7, 1, 3),
		rec("X", sentiment.LabelUnclear, 0.1, 40, 1),
	}
	b := []sentiment.AggregationRecord{
		rec("X", sentiment.LabelNeutral, 0.05, 3, 1),
		rec("X", sentiment.LabelBullish, 0.4, 150, 0),
		rec("X", sentiment.LabelBullish, 0.65, 7, 2),
		rec("X", sentiment.LabelBearish, -0.2, 0, 0),
	}

	merged := Merge(e.Compute(a, refTime)["X"], e.Compute(b, refTime)["X"])
	union := e.Compute(append(append([]sentiment.AggregationRecord{}, a...), b...), refTime)["X"]

	assert.Equal(t, union.MentionCount, merged.MentionCount)
	assert.Equal(t, union.ValidCount, merged.ValidCount)
	assert.Equal(t, union.BullishCount, merged.BullishCount)
	assert.Equal(t, union.UnclearCount, merged.UnclearCount)
	assert.InDelta(t, union.ScoreSumUnweighted, merged.ScoreSumUnweighted, 1e-9)
	assert.InDelta(t, union.WeightedNumerator, merged.WeightedNumerator, 1e-9)
	assert.InDelta(t, union.WeightedDenominator, merged.WeightedDenominator, 1e-9)
	assert.InDelta(t, union.ScoreUnweighted, merged.ScoreUnweighted, 1e-9)
	assert.InDelta(t, union.ScoreWeighted, merged.ScoreWeighted, 1e-9)
	assert.InDelta(t, union.StddevUnweighted, merged.StddevUnweighted, 1e-9)
	assert.InDelta(t, union.CI95Low, merged.CI95Low, 1e-9)
	assert.InDelta(t, union.CI95High, merged.CI95High, 1e-9)
}

func TestMergeSources_BuildsAllRows(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	rows := []sentiment.TickerMetrics{
		{BucketDate: day, Source: "stocks", Ticker: "AAPL", MentionCount: 2, ValidCount: 2, BullishCount: 2, ScoreSumUnweighted: 1.2},
		{BucketDate: day, Source: "wallstreetbets", Ticker: "AAPL", MentionCount: 3, ValidCount: 1, BearishCount: 1, UnclearCount: 2, ScoreSumUnweighted: -0.3},
		{BucketDate: day, Source: "stocks", Ticker: "TSLA", MentionCount: 1, ValidCount: 1, NeutralCount: 1},
		{BucketDate: day, Source: sentiment.SourceAll, Ticker: "AAPL", MentionCount: 99},
	}

	all := MergeSources(rows)
	require.Len(t, all, 2)
	assert.Equal(t, "AAPL", all[0].Ticker)
	assert.Equal(t, sentiment.SourceAll, all[0].Source)
	assert.Equal(t, 5, all[0].MentionCount)
	assert.Equal(t, 3, all[0].ValidCount)
	assert.InDelta(t, 0.3, all[0].ScoreUnweighted, 1e-9)
	assert.Equal(t, "TSLA", all[1].Ticker)
}

func TestBucket_UsesBerlinDays(t *testing.T) {
	e := flatEngine()

	late := time.Date(2026, 6, 1, 22, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC), e.Bucket(late))

	winter := time.Date(2026, 1, 15, 22, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), e.Bucket(winter))
}
