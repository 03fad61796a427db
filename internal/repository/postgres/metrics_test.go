package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerpulse/internal/domain/sentiment"
)

func TestMetricsRepository_RecordsForBucket(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMetricsRepository(db)

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	created := time.Date(2025, 11, 2, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"ticker", "label", "score", "upvote_score", "depth", "created_at"}).
		AddRow("AAPL", "BULLISH", 0.7, 12, 0, created).
		AddRow("AAPL", "UNCLEAR", 0.1, 3, 2, created.Add(time.Hour))
	mock.ExpectQuery("FROM stance_results\\s+WHERE subreddit = \\$1 AND bucket_date = \\$2").
		WithArgs("stocks", day).WillReturnRows(rows)

	got, err := repo.RecordsForBucket(context.Background(), "stocks", day)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, sentiment.LabelBullish, got[0].Label)
	assert.Equal(t, 12, got[0].Upvotes)
	assert.Equal(t, created, got[0].CreatedAt, "created_at keeps the content time for decay")
	assert.Equal(t, 2, got[1].Depth)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsRepository_ReplaceDailyMetrics(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMetricsRepository(db)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	rows := []sentiment.TickerMetrics{
		{Ticker: "AAPL", MentionCount: 4, UnclearCount: 1},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ticker_daily_metrics WHERE bucket_date").
		WithArgs(day, "stocks").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO ticker_daily_metrics").
		WithArgs(day, "stocks", "AAPL", 4, 0, 0, 0, 0, 1, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.25).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.ReplaceDailyMetrics(context.Background(), day, "stocks", rows))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsRepository_ReplaceWithNoRowsClearsDay(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMetricsRepository(db)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ticker_daily_metrics WHERE bucket_date").
		WithArgs(day, sentiment.SourceAll).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	require.NoError(t, repo.ReplaceDailyMetrics(context.Background(), day, sentiment.SourceAll, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsRepository_ReplaceRollsBackOnInsertError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMetricsRepository(db)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ticker_daily_metrics").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ticker_daily_metrics").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.ReplaceDailyMetrics(context.Background(), day, "stocks", []sentiment.TickerMetrics{{Ticker: "TSLA"}})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsRepository_DailyMetrics(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMetricsRepository(db)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"bucket_date", "source", "ticker",
		"mention_count", "valid_count", "bullish_count", "bearish_count", "neutral_count", "unclear_count",
		"score_sum_unweighted", "weighted_numerator", "weighted_denominator",
		"score_unweighted", "score_weighted", "stddev_unweighted", "ci95_low", "ci95_high",
	}).AddRow(day, "stocks", "TSLA", 3, 2, 1, 1, 0, 1, 0.3, 0.5, 2.0, 0.15, 0.25, 0.9, -1.0, 1.0)
	mock.ExpectQuery("FROM ticker_daily_metrics").WithArgs(day, sentiment.SourceAll).WillReturnRows(rows)

	got, err := repo.DailyMetrics(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "TSLA", got[0].Ticker)
	assert.Equal(t, 2, got[0].ValidCount)
	assert.InDelta(t, 0.25, got[0].ScoreWeighted, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}
