package clickhouse

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/pkg/errors"
)

// DefaultMetricsTable holds the append-only copy of daily ticker metrics
const DefaultMetricsTable = "ticker_metrics_history"

// Compile-time check
var _ sentiment.MetricsSink = (*MetricsSink)(nil)

// MetricsSink appends every computed metrics row for later analysis
type MetricsSink struct {
	conn  driver.Conn
	table string
}

// NewMetricsSink creates a sink writing to table, or DefaultMetricsTable when empty
func NewMetricsSink(conn driver.Conn, table string) *MetricsSink {
	if table == "" {
		table = DefaultMetricsTable
	}
	return &MetricsSink{conn: conn, table: table}
}

// EnsureSchema creates the history table if it does not exist
func (s *MetricsSink) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			run_id String,
			computed_at DateTime64(3, 'UTC'),
			bucket_date Date,
			source LowCardinality(String),
			ticker LowCardinality(String),
			mention_count UInt32,
			valid_count UInt32,
			bullish_count UInt32,
			bearish_count UInt32,
			neutral_count UInt32,
			unclear_count UInt32,
			score_sum_unweighted Float64,
			weighted_numerator Float64,
			weighted_denominator Float64,
			score_unweighted Float64,
			score_weighted Float64,
			stddev_unweighted Float64,
			ci95_low Float64,
			ci95_high Float64,
			unclear_rate Float64
		)
		ENGINE = MergeTree
		PARTITION BY toYYYYMM(bucket_date)
		ORDER BY (ticker, source, bucket_date, computed_at)`

	return errors.Wrap(s.conn.Exec(ctx, query), "failed to create metrics history table")
}

// AppendMetrics inserts one batch of rows stamped with the run that produced them
func (s *MetricsSink) AppendMetrics(ctx context.Context, runID string, computedAt time.Time, rows []sentiment.TickerMetrics) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO `+s.table+` (
			run_id, computed_at, bucket_date, source, ticker,
			mention_count, valid_count, bullish_count, bearish_count, neutral_count, unclear_count,
			score_sum_unweighted, weighted_numerator, weighted_denominator,
			score_unweighted, score_weighted, stddev_unweighted, ci95_low, ci95_high, unclear_rate
		)
	`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare batch")
	}

	for _, m := range rows {
		err := batch.Append(
			runID, computedAt.UTC(), m.BucketDate, m.Source, m.Ticker,
			uint32(m.MentionCount), uint32(m.ValidCount), uint32(m.BullishCount),
			uint32(m.BearishCount), uint32(m.NeutralCount), uint32(m.UnclearCount),
			m.ScoreSumUnweighted, m.WeightedNumerator, m.WeightedDenominator,
			m.ScoreUnweighted, m.ScoreWeighted, m.StddevUnweighted, m.CI95Low, m.CI95High,
			m.UnclearRate(),
		)
		if err != nil {
			return errors.Wrap(err, "failed to append metrics row")
		}
	}

	return errors.Wrap(batch.Send(), "failed to send metrics batch")
}
