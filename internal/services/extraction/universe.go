package extraction

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strings"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/pkg/errors"
)

// Universe is the instrument set the extractor resolves against
type Universe struct {
	Tickers  map[string]struct{}
	Synonyms map[string]string // lowercased phrase -> ticker
	Stoplist map[string]struct{}
	// ContextRequired holds uppercased tokens and lowercased phrases that
	// only count when a finance cue is nearby
	ContextRequired map[string]struct{}
}

// NewUniverse builds a universe from in-memory lists
func NewUniverse(tickers []string, synonyms map[string]string, stoplist, contextRequired []string) Universe {
	u := Universe{
		Tickers:         make(map[string]struct{}, len(tickers)),
		Synonyms:        make(map[string]string, len(synonyms)),
		Stoplist:        make(map[string]struct{}, len(stoplist)),
		ContextRequired: make(map[string]struct{}, len(contextRequired)),
	}
	for _, t := range tickers {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			u.Tickers[t] = struct{}{}
		}
	}
	for phrase, t := range synonyms {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" {
			u.Synonyms[phrase] = strings.ToUpper(strings.TrimSpace(t))
		}
	}
	for _, s := range stoplist {
		u.Stoplist[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	for _, s := range contextRequired {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if s == strings.ToUpper(s) {
			u.ContextRequired[s] = struct{}{}
		} else {
			u.ContextRequired[strings.ToLower(s)] = struct{}{}
		}
	}
	return u
}

// LoadUniverse reads the ticker master CSV, the synonym map and the
// stoplist. A missing file yields an empty set; a malformed one is an error.
func LoadUniverse(cfg config.ExtractionConfig) (Universe, error) {
	tickers, err := loadTickers(cfg.TickersFile)
	if err != nil {
		return Universe{}, err
	}

	synonyms := map[string]string{}
	if err := loadJSON(cfg.SynonymsFile, &synonyms); err != nil {
		return Universe{}, err
	}

	var stoplist []string
	if err := loadJSON(cfg.StoplistFile, &stoplist); err != nil {
		return Universe{}, err
	}

	return NewUniverse(tickers, synonyms, stoplist, cfg.ContextRequiredList()), nil
}

func loadTickers(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open ticker master %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read ticker master header %s", path)
	}

	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "ticker") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, errors.NewValidationError("tickers_file", "missing ticker column", path)
	}

	var out []string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read ticker master %s", path)
		}
		if col < len(rec) {
			out = append(out, rec[col])
		}
	}
	return out, nil
}

func loadJSON(path string, dst interface{}) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}
