package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/internal/testsupport"
)

func TestMetricsSink_AppendMetrics(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testsupport.NewClickHouseClient(t, testsupport.ClickHouseConfigFromEnv(t))
	table := testsupport.UniqueTable(t, client, "ticker_metrics_test")
	sink := NewMetricsSink(client.Conn(), table)
	ctx := context.Background()

	require.NoError(t, sink.EnsureSchema(ctx))

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	rows := []sentiment.TickerMetrics{
		{BucketDate: day, Source: "stocks", Ticker: "AAPL", MentionCount: 3, ValidCount: 2, UnclearCount: 1, ScoreUnweighted: 0.2},
		{BucketDate: day, Source: sentiment.SourceAll, Ticker: "AAPL", MentionCount: 3, ValidCount: 2, UnclearCount: 1, ScoreUnweighted: 0.2},
	}
	require.NoError(t, sink.AppendMetrics(ctx, "run-1", time.Now(), rows))
	require.NoError(t, sink.AppendMetrics(ctx, "run-2", time.Now(), rows[:1]))
	require.NoError(t, sink.AppendMetrics(ctx, "run-3", time.Now(), nil))

	var count uint64
	err := client.Conn().QueryRow(ctx, "SELECT count() FROM "+table+" WHERE ticker = 'AAPL'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	var rate float64
	err = client.Conn().QueryRow(ctx, "SELECT unclear_rate FROM "+table+" WHERE run_id = 'run-2'").Scan(&rate)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3, rate, 1e-9)
}

func TestNewMetricsSink_DefaultTable(t *testing.T) {
	assert.Equal(t, DefaultMetricsTable, NewMetricsSink(nil, "").table)
	assert.Equal(t, "custom", NewMetricsSink(nil, "custom").table)
}
