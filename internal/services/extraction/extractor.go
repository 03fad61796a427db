package extraction

import (
	"regexp"
	"sort"
	"unicode/utf8"

	"tickerpulse/internal/domain/sentiment"
)

const (
	explicitTagBase = 0.85
	bareTokenBase   = 0.65
	synonymBase     = 0.70
	cueBonus        = 0.10
	maxConfidence   = 0.99
	cueWindow       = 24
)

var (
	explicitTagRe = regexp.MustCompile(`\$([A-Z][A-Z.]{0,4})\b`)
	bareTokenRe   = regexp.MustCompile(`\b([A-Z]{1,5}(?:\.[A-Z])?)\b`)

	financeCueRe = regexp.MustCompile(`(?i)\b(?:stocks?|shares?|earnings|guidance|short(?:ing|ed)?|long|buy(?:ing)?|sell(?:ing)?|options?|calls?|puts?|price|valuation|profit|revenue|bull(?:ish)?|bear(?:ish)?|dip|pt|price target|target of|strike|expiry|leaps)\b|\d+(?:\.\d+)?\s?%|\$\d`)
)

// commonAcronyms are uppercase words in forum text that are almost never tickers
var commonAcronyms = map[string]struct{}{
	"CEO": {}, "CFO": {}, "CTO": {}, "COO": {}, "IMO": {}, "IMHO": {}, "YOLO": {},
	"FOMO": {}, "ATH": {}, "ATL": {}, "USA": {}, "US": {}, "USD": {}, "EU": {},
	"UK": {}, "GDP": {}, "CPI": {}, "FED": {}, "SEC": {}, "IRS": {}, "EPS": {},
	"PE": {}, "ROI": {}, "LOL": {}, "LMAO": {}, "WSB": {}, "TLDR": {}, "EDIT": {},
	"OTM": {}, "ITM": {}, "FYI": {}, "NYSE": {}, "OP": {}, "FD": {}, "IV": {},
	"ETF": {}, "IPO": {}, "TA": {}, "EOD": {}, "AH": {}, "PM": {}, "AM": {},
}

type synonymPattern struct {
	phrase string
	ticker string
	re     *regexp.Regexp
}

// Extractor finds ticker mentions in free text
type Extractor struct {
	universe Universe
	synonyms []synonymPattern
}

// NewExtractor compiles the synonym table, longest phrase first
func NewExtractor(u Universe) *Extractor {
	phrases := make([]string, 0, len(u.Synonyms))
	for p := range u.Synonyms {
		phrases = append(phrases, p)
	}
	sort.Slice(phrases, func(i, j int) bool {
		if len(phrases[i]) != len(phrases[j]) {
			return len(phrases[i]) > len(phrases[j])
		}
		return phrases[i] < phrases[j]
	})

	patterns := make([]synonymPattern, 0, len(phrases))
	for _, p := range phrases {
		patterns = append(patterns, synonymPattern{
			phrase: p,
			ticker: u.Synonyms[p],
			re:     regexp.MustCompile(`(?i)` + regexp.QuoteMeta(p)),
		})
	}
	return &Extractor{universe: u, synonyms: patterns}
}

// Universe returns the ticker set the extractor resolves against
func (e *Extractor) Universe() Universe {
	return e.universe
}

// Extract returns at most one mention per ticker, sorted by ticker. Spans are
// byte offsets into text.
func (e *Extractor) Extract(text string) []sentiment.Mention {
	if text == "" {
		return nil
	}

	var candidates []sentiment.Mention

	for _, m := range explicitTagRe.FindAllStringSubmatchIndex(text, -1) {
		ticker := text[m[2]:m[3]]
		// An explicit tag is strong intent: only the universe applies.
		if !e.inUniverse(ticker) {
			continue
		}
		candidates = append(candidates, e.mention(text, ticker, sentiment.SourceExplicitTag, m[0], m[1], explicitTagBase))
	}

	for _, m := range bareTokenRe.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > 0 && text[m[0]-1] == '$' {
			continue
		}
		ticker := text[m[2]:m[3]]
		if !e.acceptToken(ticker) {
			continue
		}
		if e.requiresContext(ticker) && !hasCue(text, m[0], m[1]) {
			continue
		}
		candidates = append(candidates, e.mention(text, ticker, sentiment.SourceBareToken, m[0], m[1], bareTokenBase))
	}

	var claimed [][2]int
	for _, p := range e.synonyms {
		if !e.acceptSynonym(p.ticker) {
			continue
		}
		// A rejected match resumes one rune later so an overlapping
		// bounded occurrence is still seen.
		for off := 0; off < len(text); {
			loc := p.re.FindStringIndex(text[off:])
			if loc == nil {
				break
			}
			start, end := off+loc[0], off+loc[1]
			if !wordBounded(text, start, end) || overlaps(claimed, start, end) ||
				(e.phraseRequiresContext(p) && !hasCue(text, start, end)) {
				_, size := utf8.DecodeRuneInString(text[start:])
				off = start + size
				continue
			}
			claimed = append(claimed, [2]int{start, end})
			candidates = append(candidates, e.mention(text, p.ticker, sentiment.SourceSynonym, start, end, synonymBase))
			off = end
		}
	}

	return bestPerTicker(dedupeSpans(candidates))
}

// ExtractTickers returns the distinct tickers mentioned in text, sorted
func (e *Extractor) ExtractTickers(text string) []string {
	mentions := e.Extract(text)
	out := make([]string, 0, len(mentions))
	for _, m := range mentions {
		out = append(out, m.Ticker)
	}
	return out
}

func (e *Extractor) mention(text, ticker string, source sentiment.Source, start, end int, base float64) sentiment.Mention {
	conf := base
	if hasCue(text, start, end) {
		conf += cueBonus
	}
	if conf > maxConfidence {
		conf = maxConfidence
	}
	return sentiment.Mention{
		Ticker:     ticker,
		Confidence: conf,
		Source:     source,
		SpanStart:  start,
		SpanEnd:    end,
	}
}

func (e *Extractor) inUniverse(ticker string) bool {
	_, ok := e.universe.Tickers[ticker]
	return ok
}

func (e *Extractor) acceptToken(ticker string) bool {
	if _, ok := e.universe.Stoplist[ticker]; ok {
		return false
	}
	if _, ok := commonAcronyms[ticker]; ok {
		return false
	}
	return e.inUniverse(ticker)
}

func (e *Extractor) acceptSynonym(ticker string) bool {
	if _, ok := e.universe.Stoplist[ticker]; ok {
		return false
	}
	return e.inUniverse(ticker)
}

func (e *Extractor) requiresContext(ticker string) bool {
	_, ok := e.universe.ContextRequired[ticker]
	return ok
}

func (e *Extractor) phraseRequiresContext(p synonymPattern) bool {
	if _, ok := e.universe.ContextRequired[p.phrase]; ok {
		return true
	}
	return e.requiresContext(p.ticker)
}

// hasCue looks for a finance cue within the window around [start, end)
func hasCue(text string, start, end int) bool {
	lo := max(start-cueWindow, 0)
	hi := min(end+cueWindow, len(text))
	return financeCueRe.MatchString(text[lo:hi])
}

func wordBounded(text string, start, end int) bool {
	if start > 0 && isAlnum(text[start-1]) {
		return false
	}
	if end < len(text) && isAlnum(text[end]) {
		return false
	}
	return true
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func overlaps(spans [][2]int, start, end int) bool {
	for _, s := range spans {
		if start < s[1] && s[0] < end {
			return true
		}
	}
	return false
}

// dedupeSpans keeps the most confident candidate per (ticker, span)
func dedupeSpans(candidates []sentiment.Mention) []sentiment.Mention {
	type key struct {
		ticker     string
		start, end int
	}
	best := make(map[key]int, len(candidates))
	out := make([]sentiment.Mention, 0, len(candidates))
	for _, c := range candidates {
		k := key{c.Ticker, c.SpanStart, c.SpanEnd}
		if i, ok := best[k]; ok {
			if c.Confidence > out[i].Confidence {
				out[i] = c
			}
			continue
		}
		best[k] = len(out)
		out = append(out, c)
	}
	return out
}

// bestPerTicker selects one mention per ticker by confidence, then source
// rank, then span width.
func bestPerTicker(mentions []sentiment.Mention) []sentiment.Mention {
	selected := make(map[string]sentiment.Mention, len(mentions))
	for _, m := range mentions {
		prev, ok := selected[m.Ticker]
		if !ok || better(m, prev) {
			selected[m.Ticker] = m
		}
	}
	out := make([]sentiment.Mention, 0, len(selected))
	for _, m := range selected {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// MergeByTicker applies the per-ticker selection to an arbitrary mention list
func MergeByTicker(mentions []sentiment.Mention) []sentiment.Mention {
	return bestPerTicker(mentions)
}

func better(a, b sentiment.Mention) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Source.Rank() != b.Source.Rank() {
		return a.Source.Rank() > b.Source.Rank()
	}
	return a.Width() > b.Width()
}
