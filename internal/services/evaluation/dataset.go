package evaluation

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/pkg/errors"
)

// GoldRow is one hand-labelled target
type GoldRow struct {
	RowID      int
	TargetType sentiment.TargetType
	Ticker     string
	Gold       sentiment.Label
	Text       string
	Title      string
	Selftext   string
	ParentText string
}

var requiredColumns = []string{"target_type", "ticker", "gold_label", "text"}

// LoadDataset reads at most maxRows gold rows from a CSV file
func LoadDataset(path string, maxRows int) ([]GoldRow, error) {
	if !strings.EqualFold(filepath.Ext(path), ".csv") {
		return nil, errors.NewValidationError("dataset", "must be a .csv file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrNotFound, "evaluation dataset %s", path)
		}
		return nil, errors.Wrap(err, "open evaluation dataset")
	}
	defer f.Close()

	return ParseDataset(f, maxRows)
}

// ParseDataset reads gold rows from CSV with a header line. Row ids count
// data lines from 1.
func ParseDataset(r io.Reader, maxRows int) ([]GoldRow, error) {
	if maxRows < 1 {
		maxRows = 1
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read dataset header")
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	var missing []string
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, errors.NewValidationError("dataset", "missing required columns", missing)
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var rows []GoldRow
	for idx := 1; len(rows) < maxRows; idx++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read dataset row %d", idx)
		}

		targetType := sentiment.TargetType(strings.ToLower(strings.TrimSpace(field(rec, "target_type"))))
		if targetType != sentiment.TargetSubmission && targetType != sentiment.TargetComment {
			return nil, errors.NewValidationError("target_type", fmt.Sprintf("invalid at row %d", idx), targetType)
		}
		ticker := strings.ToUpper(strings.TrimSpace(field(rec, "ticker")))
		if ticker == "" {
			return nil, errors.NewValidationError("ticker", fmt.Sprintf("missing at row %d", idx), "")
		}
		gold := sentiment.Label(strings.ToUpper(strings.TrimSpace(field(rec, "gold_label"))))
		if !gold.Valid() {
			return nil, errors.NewValidationError("gold_label", fmt.Sprintf("invalid at row %d", idx), gold)
		}

		rows = append(rows, GoldRow{
			RowID:      idx,
			TargetType: targetType,
			Ticker:     ticker,
			Gold:       gold,
			Text:       field(rec, "text"),
			Title:      field(rec, "title"),
			Selftext:   field(rec, "selftext"),
			ParentText: field(rec, "parent_text"),
		})
	}
	return rows, nil
}
