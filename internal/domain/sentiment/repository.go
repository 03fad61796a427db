package sentiment

import (
	"context"
	"time"
)

// Repository stores stance rows and daily metrics
type Repository interface {
	// RecordsForBucket returns every stored stance row of a subreddit that
	// was last pulled on the given bucket day.
	RecordsForBucket(ctx context.Context, subreddit string, day time.Time) ([]AggregationRecord, error)

	// ReplaceDailyMetrics swaps every row of (day, source) for rows
	ReplaceDailyMetrics(ctx context.Context, day time.Time, source string, rows []TickerMetrics) error

	// DailyMetrics returns the per-subreddit rows of one day, excluding SourceAll
	DailyMetrics(ctx context.Context, day time.Time) ([]TickerMetrics, error)
}

// MetricsSink receives an append-only copy of metrics rows for analytics
type MetricsSink interface {
	AppendMetrics(ctx context.Context, runID string, computedAt time.Time, rows []TickerMetrics) error
}
