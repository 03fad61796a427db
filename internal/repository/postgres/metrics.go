package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/pkg/errors"
)

// Compile-time check
var _ sentiment.Repository = (*MetricsRepository)(nil)

// MetricsRepository reads stance rows and stores daily ticker metrics
type MetricsRepository struct {
	db *sqlx.DB
}

// NewMetricsRepository creates a new metrics repository
func NewMetricsRepository(db *sqlx.DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// metricsRow adds the stored unclear rate to the statistics
type metricsRow struct {
	sentiment.TickerMetrics
	UnclearRate float64 `db:"unclear_rate"`
}

const metricsColumns = `
	bucket_date, source, ticker,
	mention_count, valid_count, bullish_count, bearish_count, neutral_count, unclear_count,
	score_sum_unweighted, weighted_numerator, weighted_denominator,
	score_unweighted, score_weighted, stddev_unweighted, ci95_low, ci95_high`

// RecordsForBucket returns the stance rows of a subreddit filed under one
// bucket day by the run that last pulled them
func (r *MetricsRepository) RecordsForBucket(ctx context.Context, subreddit string, day time.Time) ([]sentiment.AggregationRecord, error) {
	var records []sentiment.AggregationRecord

	query := `
		SELECT ticker, label, score, upvote_score, depth, target_created AS created_at
		FROM stance_results
		WHERE subreddit = $1 AND bucket_date = $2
		ORDER BY target_created`

	if err := r.db.SelectContext(ctx, &records, query, subreddit, day); err != nil {
		return nil, errors.Wrapf(err, "failed to load stance rows for %s", subreddit)
	}
	return records, nil
}

// ReplaceDailyMetrics deletes every row of (day, source) and inserts rows
// in their place, in one transaction
func (r *MetricsRepository) ReplaceDailyMetrics(ctx context.Context, day time.Time, source string, rows []sentiment.TickerMetrics) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM ticker_daily_metrics WHERE bucket_date = $1 AND source = $2`,
		day, source,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to clear metrics %s/%s", day.Format(time.DateOnly), source)
	}

	query := `
		INSERT INTO ticker_daily_metrics (` + metricsColumns + `, unclear_rate, updated_at
		) VALUES (
			:bucket_date, :source, :ticker,
			:mention_count, :valid_count, :bullish_count, :bearish_count, :neutral_count, :unclear_count,
			:score_sum_unweighted, :weighted_numerator, :weighted_denominator,
			:score_unweighted, :score_weighted, :stddev_unweighted, :ci95_low, :ci95_high,
			:unclear_rate, NOW()
		)`

	for _, m := range rows {
		m.BucketDate, m.Source = day, source
		row := metricsRow{TickerMetrics: m, UnclearRate: m.UnclearRate()}
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			return errors.Wrapf(err, "failed to insert metrics %s/%s", source, m.Ticker)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit daily metrics")
	}
	return nil
}

// DailyMetrics returns the per-subreddit rows of one day
func (r *MetricsRepository) DailyMetrics(ctx context.Context, day time.Time) ([]sentiment.TickerMetrics, error) {
	var rows []sentiment.TickerMetrics

	query := `SELECT ` + metricsColumns + `
		FROM ticker_daily_metrics
		WHERE bucket_date = $1 AND source <> $2
		ORDER BY source, ticker`

	if err := r.db.SelectContext(ctx, &rows, query, day, sentiment.SourceAll); err != nil {
		return nil, errors.Wrap(err, "failed to load daily metrics")
	}
	return rows, nil
}
