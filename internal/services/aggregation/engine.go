package aggregation

import (
	"math"
	"sort"
	"time"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/domain/sentiment"
)

// z95 is the two-sided 95% normal quantile
const z95 = 1.96

// Options control per-record weighting
type Options struct {
	UseDepthDecay bool
	LambdaDepth   float64
	UseTimeDecay  bool
	LambdaTime    float64
}

// Engine turns stance records into mergeable per-ticker statistics
type Engine struct {
	opts Options
	loc  *time.Location
}

// NewEngine creates an engine bucketing days in the configured timezone
func NewEngine(cfg config.AggregationConfig) *Engine {
	return &Engine{
		opts: Options{
			UseDepthDecay: cfg.UseDepthDecay,
			LambdaDepth:   cfg.LambdaDepth,
			UseTimeDecay:  cfg.UseTimeDecay,
			LambdaTime:    cfg.LambdaTime,
		},
		loc: cfg.Location(),
	}
}

// Location is the timezone of date buckets
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Bucket returns the calendar day t falls on in the bucket timezone,
// as a midnight UTC date value.
func (e *Engine) Bucket(t time.Time) time.Time {
	y, m, d := t.In(e.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Weight is ln(1+upvotes) with the enabled decays applied
func (e *Engine) Weight(r sentiment.AggregationRecord, reference time.Time) float64 {
	w := math.Log1p(float64(max(r.Upvotes, 0)))
	if e.opts.UseDepthDecay {
		w *= math.Exp(-e.opts.LambdaDepth * float64(max(r.Depth, 0)))
	}
	if e.opts.UseTimeDecay {
		ageHours := math.Max(reference.Sub(r.CreatedAt).Hours(), 0)
		w *= math.Exp(-e.opts.LambdaTime * ageHours)
	}
	return w
}

// Compute groups records by ticker. UNCLEAR records count as mentions but
// are excluded from every score. Bucket date and source are left to the
// caller.
func (e *Engine) Compute(records []sentiment.AggregationRecord, reference time.Time) map[string]sentiment.TickerMetrics {
	grouped := make(map[string][]sentiment.AggregationRecord)
	for _, r := range records {
		grouped[r.Ticker] = append(grouped[r.Ticker], r)
	}

	out := make(map[string]sentiment.TickerMetrics, len(grouped))
	for ticker, rs := range grouped {
		m := sentiment.TickerMetrics{Ticker: ticker, MentionCount: len(rs)}
		valid := make([]float64, 0, len(rs))

		for _, r := range rs {
			switch r.Label {
			case sentiment.LabelBullish:
				m.BullishCount++
			case sentiment.LabelBearish:
				m.BearishCount++
			case sentiment.LabelNeutral:
				m.NeutralCount++
			default:
				m.UnclearCount++
				continue
			}
			w := e.Weight(r, reference)
			m.ScoreSumUnweighted += r.Score
			m.WeightedNumerator += w * r.Score
			m.WeightedDenominator += w
			valid = append(valid, r.Score)
		}
		m.ValidCount = len(valid)
		m.StddevUnweighted = sampleStddev(valid)
		out[ticker] = Derive(m)
	}
	return out
}

// Derive fills the ratio fields from the sufficient statistics and the
// sample standard deviation already on m.
func Derive(m sentiment.TickerMetrics) sentiment.TickerMetrics {
	m.ScoreUnweighted = 0
	if m.ValidCount > 0 {
		m.ScoreUnweighted = m.ScoreSumUnweighted / float64(m.ValidCount)
	}

	m.ScoreWeighted = m.ScoreUnweighted
	if m.WeightedDenominator > 0 {
		m.ScoreWeighted = m.WeightedNumerator / m.WeightedDenominator
	}

	if m.ValidCount < 2 {
		m.StddevUnweighted = 0
		m.CI95Low, m.CI95High = m.ScoreUnweighted, m.ScoreUnweighted
		return m
	}
	half := z95 * m.StddevUnweighted / math.Sqrt(float64(m.ValidCount))
	m.CI95Low = clamp(m.ScoreUnweighted - half)
	m.CI95High = clamp(m.ScoreUnweighted + half)
	return m
}

// Merge combines statistics computed from disjoint record sets. The
// standard deviation is recombined with the pooled-variance identity.
func Merge(parts ...sentiment.TickerMetrics) sentiment.TickerMetrics {
	var out sentiment.TickerMetrics
	if len(parts) == 0 {
		return out
	}
	out.BucketDate, out.Source, out.Ticker = parts[0].BucketDate, parts[0].Source, parts[0].Ticker

	for _, p := range parts {
		out.MentionCount += p.MentionCount
		out.ValidCount += p.ValidCount
		out.BullishCount += p.BullishCount
		out.BearishCount += p.BearishCount
		out.NeutralCount += p.NeutralCount
		out.UnclearCount += p.UnclearCount
		out.ScoreSumUnweighted += p.ScoreSumUnweighted
		out.WeightedNumerator += p.WeightedNumerator
		out.WeightedDenominator += p.WeightedDenominator
	}

	if out.ValidCount >= 2 {
		mean := out.ScoreSumUnweighted / float64(out.ValidCount)
		var ss float64
		for _, p := range parts {
			if p.ValidCount == 0 {
				continue
			}
			n := float64(p.ValidCount)
			d := p.ScoreSumUnweighted/n - mean
			ss += (n-1)*p.StddevUnweighted*p.StddevUnweighted + n*d*d
		}
		out.StddevUnweighted = math.Sqrt(math.Max(ss, 0) / float64(out.ValidCount-1))
	}
	return Derive(out)
}

// MergeSources builds the ALL rows of a day from per-subreddit rows.
// Existing ALL rows in the input are ignored.
func MergeSources(rows []sentiment.TickerMetrics) []sentiment.TickerMetrics {
	type key struct {
		day    time.Time
		ticker string
	}
	grouped := make(map[key][]sentiment.TickerMetrics)
	for _, r := range rows {
		if r.Source == sentiment.SourceAll {
			continue
		}
		k := key{r.BucketDate, r.Ticker}
		grouped[k] = append(grouped[k], r)
	}

	out := make([]sentiment.TickerMetrics, 0, len(grouped))
	for k, parts := range grouped {
		m := Merge(parts...)
		m.BucketDate, m.Ticker, m.Source = k.day, k.ticker, sentiment.SourceAll
		out = append(out, m)
	}
	SortMetrics(out)
	return out
}

// SortMetrics orders rows by day, source and ticker
func SortMetrics(rows []sentiment.TickerMetrics) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.BucketDate.Equal(b.BucketDate) {
			return a.BucketDate.Before(b.BucketDate)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Ticker < b.Ticker
	})
}

func sampleStddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
