package evaluation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/internal/services/stance"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

type scriptedAnalyzer struct {
	byText map[string][]sentiment.StanceResult
	err    error
	seen   []stance.Target
}

func (a *scriptedAnalyzer) AnalyzeTarget(_ context.Context, t stance.Target) ([]sentiment.StanceResult, error) {
	a.seen = append(a.seen, t)
	if a.err != nil {
		return nil, a.err
	}
	return a.byText[t.Text], nil
}

func result(ticker string, label sentiment.Label, conf float64, src sentiment.Source, version string) sentiment.StanceResult {
	return sentiment.StanceResult{
		Mention:      sentiment.Mention{Ticker: ticker, Source: src},
		Label:        label,
		Confidence:   conf,
		ModelVersion: version,
	}
}

const goldCSV = `target_type,ticker,gold_label,text,title,selftext,parent_text
comment,AAPL,BULLISH,buy aapl,AAPL thread,,
Comment,aapl,bearish,short aapl,AAPL thread,,
comment,TSLA,UNCLEAR,idk,TSLA thread,,
submission,NVDA,NEUTRAL,holding,NVDA earnings,"long, quoted body",
`

func scripted() *scriptedAnalyzer {
	return &scriptedAnalyzer{byText: map[string][]sentiment.StanceResult{
		"buy aapl":   {result("AAPL", sentiment.LabelBullish, 0.9, sentiment.SourceExplicitTag, "v1")},
		"short aapl": {result("AAPL", sentiment.LabelBullish, 0.6, sentiment.SourceBareToken, "v1")},
		"holding": {
			result("AMD", sentiment.LabelBearish, 0.8, sentiment.SourceBareToken, "v1"),
			result("NVDA", sentiment.LabelNeutral, 0.7, sentiment.SourceInherited, "llm"),
		},
	}}
}

func TestParseDataset(t *testing.T) {
	rows, err := ParseDataset(strings.NewReader(goldCSV), 100)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, 2, rows[1].RowID)
	assert.Equal(t, sentiment.TargetComment, rows[1].TargetType)
	assert.Equal(t, "AAPL", rows[1].Ticker)
	assert.Equal(t, sentiment.LabelBearish, rows[1].Gold)
	assert.Equal(t, "AAPL thread", rows[1].Title)

	assert.Equal(t, sentiment.TargetSubmission, rows[3].TargetType)
	assert.Equal(t, "long, quoted body", rows[3].Selftext)
	assert.Empty(t, rows[3].ParentText)
}

func TestParseDataset_MaxRows(t *testing.T) {
	rows, err := ParseDataset(strings.NewReader(goldCSV), 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = ParseDataset(strings.NewReader(goldCSV), 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestParseDataset_OptionalColumns(t *testing.T) {
	rows, err := ParseDataset(strings.NewReader("ticker,text,gold_label,target_type\nMSFT,msft calls,BULLISH,comment\n"), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "msft calls", rows[0].Text)
	assert.Empty(t, rows[0].Title)
}

func TestParseDataset_Invalid(t *testing.T) {
	tests := []struct {
		name string
		csv  string
	}{
		{"missing column", "target_type,ticker,text\ncomment,AAPL,x\n"},
		{"bad target type", "target_type,ticker,gold_label,text\npost,AAPL,BULLISH,x\n"},
		{"empty ticker", "target_type,ticker,gold_label,text\ncomment, ,BULLISH,x\n"},
		{"bad label", "target_type,ticker,gold_label,text\ncomment,AAPL,MOON,x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDataset(strings.NewReader(tt.csv), 10)
			assert.ErrorIs(t, err, errors.ErrInvalidInput)
		})
	}
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadDataset(filepath.Join(dir, "gold.txt"), 10)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = LoadDataset(filepath.Join(dir, "absent.csv"), 10)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	path := filepath.Join(dir, "gold.csv")
	require.NoError(t, os.WriteFile(path, []byte(goldCSV), 0o600))
	rows, err := LoadDataset(path, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestEvaluate_Metrics(t *testing.T) {
	rows, err := ParseDataset(strings.NewReader(goldCSV), 100)
	require.NoError(t, err)
	analyzer := scripted()

	report, err := NewService(analyzer, logger.Nop()).Evaluate(context.Background(), rows)
	require.NoError(t, err)

	assert.Equal(t, 4, report.RowsEvaluated)
	assert.InDelta(t, 0.75, report.Accuracy, 1e-9)
	assert.InDelta(t, 0.5, report.DirectDetectionRate, 1e-9)
	assert.InDelta(t, 0.25, report.ContextInferenceRate, 1e-9)
	assert.InDelta(t, 0.25, report.MissingRate, 1e-9)
	assert.InDelta(t, 2.0/3.0, report.MacroF1, 1e-9)
	assert.InDelta(t, 2.0/3.0, report.WeightedF1, 1e-9)
	// bins: 0.9 right, 0.6 wrong, 0.0 right (missing), 0.7 right
	assert.InDelta(t, 0.25*(0.1+0.6+1.0+0.3), report.CalibrationError, 1e-9)

	require.Len(t, report.PerLabel, 4)
	bull := report.PerLabel[0]
	assert.Equal(t, sentiment.LabelBullish, bull.Label)
	assert.Equal(t, 1, bull.TP)
	assert.Equal(t, 1, bull.FP)
	assert.Equal(t, 0, bull.FN)
	assert.InDelta(t, 0.5, bull.Precision, 1e-9)
	assert.InDelta(t, 1.0, bull.Recall, 1e-9)
	bear := report.PerLabel[1]
	assert.Equal(t, 1, bear.Support)
	assert.Zero(t, bear.F1)

	require.Len(t, report.Confusion, 16)
	assert.Equal(t, ConfusionCell{Actual: sentiment.LabelBullish, Predicted: sentiment.LabelBullish, Count: 1}, report.Confusion[0])
	assert.Equal(t, ConfusionCell{Actual: sentiment.LabelBearish, Predicted: sentiment.LabelBullish, Count: 1}, report.Confusion[4])
	assert.Equal(t, ConfusionCell{Actual: sentiment.LabelUnclear, Predicted: sentiment.LabelUnclear, Count: 1}, report.Confusion[15])

	assert.Equal(t, []VersionCount{
		{ModelVersion: "v1", Count: 2},
		{ModelVersion: "llm", Count: 1},
		{ModelVersion: "none", Count: 1},
	}, report.ModelVersions)

	require.Len(t, report.ErrorExamples, 1)
	assert.Equal(t, ErrorExample{
		RowID:      2,
		Ticker:     "AAPL",
		Actual:     sentiment.LabelBearish,
		Predicted:  sentiment.LabelBullish,
		Confidence: 0.6,
		Source:     string(sentiment.SourceBareToken),
		Text:       "short aapl",
	}, report.ErrorExamples[0])

	require.Len(t, analyzer.seen, 4)
	assert.Equal(t, "NVDA earnings", analyzer.seen[3].Title)
	assert.Equal(t, sentiment.TargetSubmission, analyzer.seen[3].Type)
}

func TestEvaluate_ErrorExamplesCapped(t *testing.T) {
	long := strings.Repeat("é", 400)
	analyzer := &scriptedAnalyzer{byText: map[string][]sentiment.StanceResult{
		long: {result("GME", sentiment.LabelBearish, 1.4, sentiment.SourceExplicitTag, "v1")},
	}}
	rows := make([]GoldRow, 30)
	for i := range rows {
		rows[i] = GoldRow{RowID: i + 1, TargetType: sentiment.TargetComment, Ticker: "GME", Gold: sentiment.LabelBullish, Text: long}
	}

	report, err := NewService(analyzer, logger.Nop()).Evaluate(context.Background(), rows)
	require.NoError(t, err)

	assert.Zero(t, report.Accuracy)
	require.Len(t, report.ErrorExamples, 25)
	assert.Equal(t, 280, len([]rune(report.ErrorExamples[0].Text)))
	assert.Equal(t, 1.0, report.ErrorExamples[0].Confidence)
	assert.InDelta(t, 1.0, report.CalibrationError, 1e-9)
}

func TestEvaluate_SumsUsage(t *testing.T) {
	r := result("AAPL", sentiment.LabelBullish, 0.9, sentiment.SourceExplicitTag, "llm")
	r.Usage = sentiment.Usage{PromptTokens: 100, OutputTokens: 10, TotalTokens: 110, Cost: decimal.RequireFromString("0.0002")}
	analyzer := &scriptedAnalyzer{byText: map[string][]sentiment.StanceResult{"buy aapl": {r}}}
	rows := []GoldRow{
		{RowID: 1, TargetType: sentiment.TargetComment, Ticker: "AAPL", Gold: sentiment.LabelBullish, Text: "buy aapl"},
		{RowID: 2, TargetType: sentiment.TargetComment, Ticker: "AAPL", Gold: sentiment.LabelBullish, Text: "buy aapl"},
	}

	report, err := NewService(analyzer, logger.Nop()).Evaluate(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, int64(220), report.Usage.TotalTokens)
	assert.True(t, decimal.RequireFromString("0.0004").Equal(report.Usage.Cost))
}

func TestEvaluate_EmptyDataset(t *testing.T) {
	report, err := NewService(scripted(), logger.Nop()).Evaluate(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, report.RowsEvaluated)
	assert.Zero(t, report.Accuracy)
	assert.Zero(t, report.WeightedF1)
	assert.Zero(t, report.CalibrationError)
	assert.Len(t, report.Confusion, 16)
}

func TestEvaluate_AnalyzerError(t *testing.T) {
	analyzer := &scriptedAnalyzer{err: errors.ErrModelUnavailable}
	rows := []GoldRow{{RowID: 1, TargetType: sentiment.TargetComment, Ticker: "AAPL", Gold: sentiment.LabelBullish, Text: "x"}}

	_, err := NewService(analyzer, logger.Nop()).Evaluate(context.Background(), rows)
	assert.ErrorIs(t, err, errors.ErrModelUnavailable)
}

func TestEvaluateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gold.csv")
	require.NoError(t, os.WriteFile(path, []byte(goldCSV), 0o600))

	report, err := NewService(scripted(), logger.Nop()).EvaluateFile(context.Background(), path, 3)
	require.NoError(t, err)
	assert.Equal(t, path, report.DatasetPath)
	assert.Equal(t, 3, report.RowsEvaluated)
}
