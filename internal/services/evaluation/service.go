package evaluation

import (
	"context"
	"math"
	"sort"

	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/internal/services/stance"
	"tickerpulse/pkg/logger"
)

const (
	calibrationBins  = 10
	maxErrorExamples = 25
	exampleTextLen   = 280

	sourceMissing  = "missing"
	versionMissing = "none"
)

// LabelOrder fixes the order of per-label and confusion rows
var LabelOrder = []sentiment.Label{
	sentiment.LabelBullish,
	sentiment.LabelBearish,
	sentiment.LabelNeutral,
	sentiment.LabelUnclear,
}

// Analyzer classifies every mention in one target
type Analyzer interface {
	AnalyzeTarget(ctx context.Context, t stance.Target) ([]sentiment.StanceResult, error)
}

// LabelStats are precision and recall for one label
type LabelStats struct {
	Label     sentiment.Label `json:"label"`
	Support   int             `json:"support"`
	Precision float64         `json:"precision"`
	Recall    float64         `json:"recall"`
	F1        float64         `json:"f1"`
	TP        int             `json:"tp"`
	FP        int             `json:"fp"`
	FN        int             `json:"fn"`
}

// ConfusionCell is one (actual, predicted) count
type ConfusionCell struct {
	Actual    sentiment.Label `json:"actual"`
	Predicted sentiment.Label `json:"predicted"`
	Count     int             `json:"count"`
}

// VersionCount is how many rows a model version answered
type VersionCount struct {
	ModelVersion string `json:"model_version"`
	Count        int    `json:"count"`
}

// ErrorExample is a misclassified row
type ErrorExample struct {
	RowID      int             `json:"row_id"`
	Ticker     string          `json:"ticker"`
	Actual     sentiment.Label `json:"actual"`
	Predicted  sentiment.Label `json:"predicted"`
	Confidence float64         `json:"confidence"`
	Source     string          `json:"source"`
	Text       string          `json:"text"`
}

// Report is the outcome of one evaluation run
type Report struct {
	DatasetPath          string          `json:"dataset_path"`
	RowsEvaluated        int             `json:"rows_evaluated"`
	Accuracy             float64         `json:"accuracy"`
	MacroF1              float64         `json:"macro_f1"`
	WeightedF1           float64         `json:"weighted_f1"`
	CalibrationError     float64         `json:"expected_calibration_error"`
	DirectDetectionRate  float64         `json:"direct_detection_rate"`
	ContextInferenceRate float64         `json:"context_inference_rate"`
	MissingRate          float64         `json:"missing_prediction_rate"`
	ModelVersions        []VersionCount  `json:"model_versions"`
	PerLabel             []LabelStats    `json:"per_label"`
	Confusion            []ConfusionCell `json:"confusion"`
	ErrorExamples        []ErrorExample  `json:"error_examples"`
	Usage                sentiment.Usage `json:"usage"`
}

type prediction struct {
	label      sentiment.Label
	confidence float64
	source     string
	version    string
}

// Service scores the classification cascade against gold labels
type Service struct {
	analyzer Analyzer
	log      *logger.Logger
}

// NewService creates an evaluation service
func NewService(analyzer Analyzer, log *logger.Logger) *Service {
	return &Service{analyzer: analyzer, log: log.With("component", "evaluation")}
}

// EvaluateFile loads a dataset and evaluates it
func (s *Service) EvaluateFile(ctx context.Context, path string, maxRows int) (*Report, error) {
	rows, err := LoadDataset(path, maxRows)
	if err != nil {
		return nil, err
	}
	report, err := s.Evaluate(ctx, rows)
	if err != nil {
		return nil, err
	}
	report.DatasetPath = path
	return report, nil
}

// Evaluate runs the cascade over every row. A row whose ticker the cascade
// did not produce counts as an UNCLEAR prediction with zero confidence.
func (s *Service) Evaluate(ctx context.Context, rows []GoldRow) (*Report, error) {
	confusion := make(map[sentiment.Label]map[sentiment.Label]int, len(LabelOrder))
	for _, l := range LabelOrder {
		confusion[l] = make(map[sentiment.Label]int, len(LabelOrder))
	}
	versions := make(map[string]int)

	var (
		correct, direct, inherited, missing int
		binCount                            [calibrationBins]int
		binConf, binCorrect                 [calibrationBins]float64
	)
	report := &Report{ErrorExamples: []ErrorExample{}}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pred, usage, err := s.predict(ctx, row)
		if err != nil {
			return nil, err
		}
		report.Usage.Add(usage)

		confusion[row.Gold][pred.label]++
		versions[pred.version]++

		ok := pred.label == row.Gold
		if ok {
			correct++
		} else if len(report.ErrorExamples) < maxErrorExamples {
			report.ErrorExamples = append(report.ErrorExamples, ErrorExample{
				RowID:      row.RowID,
				Ticker:     row.Ticker,
				Actual:     row.Gold,
				Predicted:  pred.label,
				Confidence: pred.confidence,
				Source:     pred.source,
				Text:       truncateRunes(row.Text, exampleTextLen),
			})
		}

		switch {
		case sentiment.Source(pred.source).Direct():
			direct++
		case pred.source == string(sentiment.SourceInherited):
			inherited++
		default:
			missing++
		}

		bin := min(max(int(pred.confidence*calibrationBins), 0), calibrationBins-1)
		binCount[bin]++
		binConf[bin] += pred.confidence
		if ok {
			binCorrect[bin]++
		}
	}

	total := len(rows)
	report.RowsEvaluated = total
	report.Accuracy = ratio(correct, total)
	report.DirectDetectionRate = ratio(direct, total)
	report.ContextInferenceRate = ratio(inherited, total)
	report.MissingRate = ratio(missing, total)

	var macro, weighted float64
	for _, label := range LabelOrder {
		st := labelStats(confusion, label)
		macro += st.F1
		weighted += st.F1 * float64(st.Support)
		report.PerLabel = append(report.PerLabel, st)
	}
	report.MacroF1 = macro / float64(len(LabelOrder))
	if total > 0 {
		report.WeightedF1 = weighted / float64(total)
	}

	if total > 0 {
		for i := range binCount {
			if binCount[i] == 0 {
				continue
			}
			n := float64(binCount[i])
			report.CalibrationError += n / float64(total) * math.Abs(binCorrect[i]/n-binConf[i]/n)
		}
	}

	for _, actual := range LabelOrder {
		for _, predicted := range LabelOrder {
			report.Confusion = append(report.Confusion, ConfusionCell{
				Actual:    actual,
				Predicted: predicted,
				Count:     confusion[actual][predicted],
			})
		}
	}

	for v, n := range versions {
		report.ModelVersions = append(report.ModelVersions, VersionCount{ModelVersion: v, Count: n})
	}
	sort.Slice(report.ModelVersions, func(i, j int) bool {
		a, b := report.ModelVersions[i], report.ModelVersions[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.ModelVersion < b.ModelVersion
	})

	s.log.Infow("Evaluation finished",
		"rows", total,
		"accuracy", report.Accuracy,
		"macro_f1", report.MacroF1,
		"ece", report.CalibrationError,
	)
	return report, nil
}

func (s *Service) predict(ctx context.Context, row GoldRow) (prediction, sentiment.Usage, error) {
	results, err := s.analyzer.AnalyzeTarget(ctx, stance.Target{
		Type:       row.TargetType,
		Text:       row.Text,
		Title:      row.Title,
		Selftext:   row.Selftext,
		ParentText: row.ParentText,
	})
	if err != nil {
		return prediction{}, sentiment.Usage{}, err
	}

	var usage sentiment.Usage
	for _, r := range results {
		usage.Add(r.Usage)
	}
	for _, r := range results {
		if r.Mention.Ticker != row.Ticker {
			continue
		}
		return prediction{
			label:      r.Label,
			confidence: math.Max(0, math.Min(1, r.Confidence)),
			source:     string(r.Mention.Source),
			version:    r.ModelVersion,
		}, usage, nil
	}
	return prediction{
		label:   sentiment.LabelUnclear,
		source:  sourceMissing,
		version: versionMissing,
	}, usage, nil
}

func labelStats(confusion map[sentiment.Label]map[sentiment.Label]int, label sentiment.Label) LabelStats {
	st := LabelStats{Label: label, TP: confusion[label][label]}
	for _, other := range LabelOrder {
		st.Support += confusion[label][other]
		if other == label {
			continue
		}
		st.FP += confusion[other][label]
		st.FN += confusion[label][other]
	}
	st.Precision = ratio(st.TP, st.TP+st.FP)
	st.Recall = ratio(st.TP, st.TP+st.FN)
	if st.Precision+st.Recall > 0 {
		st.F1 = 2 * st.Precision * st.Recall / (st.Precision + st.Recall)
	}
	return st
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
