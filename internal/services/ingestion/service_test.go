package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/domain/forum"
	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/internal/services/aggregation"
	"tickerpulse/internal/services/stance"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

// baseUnix is 2026-03-10 10:00 UTC
const baseUnix = 1773136800

type fakeReddit struct {
	mu          sync.Mutex
	pages       []string
	pageErrs    map[int]error
	threads     map[string]string
	threadErrs  map[string]error
	more        string
	listingArgs []string
	resets      int
	moreCalls   int
}

func (f *fakeReddit) ResetCache() { f.resets++ }

func (f *fakeReddit) Listing(_ context.Context, subreddit, sort, timeFilter string, limit int, after string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := len(f.listingArgs)
	f.listingArgs = append(f.listingArgs, fmt.Sprintf("%s/%s/%s/%d/%s", subreddit, sort, timeFilter, limit, after))
	if err := f.pageErrs[page]; err != nil {
		return nil, err
	}
	if page >= len(f.pages) {
		return nil, errors.New("no such page")
	}
	return json.RawMessage(f.pages[page]), nil
}

func (f *fakeReddit) Thread(_ context.Context, postID string) (json.RawMessage, error) {
	if err := f.threadErrs[postID]; err != nil {
		return nil, err
	}
	return json.RawMessage(f.threads[postID]), nil
}

func (f *fakeReddit) MoreChildren(_ context.Context, _ string, _ []string) (json.RawMessage, error) {
	f.moreCalls++
	return json.RawMessage(f.more), nil
}

// keywordAnalyzer reports AAPL as bullish and TSLA as bearish when named
type keywordAnalyzer struct {
	targets []stance.Target
}

func (a *keywordAnalyzer) AnalyzeTarget(_ context.Context, t stance.Target) ([]sentiment.StanceResult, error) {
	a.targets = append(a.targets, t)
	var out []sentiment.StanceResult
	if strings.Contains(t.Text, "AAPL") {
		out = append(out, sentiment.StanceResult{
			Mention: sentiment.Mention{Ticker: "AAPL", Source: sentiment.SourceBareToken},
			Label:   sentiment.LabelBullish, Score: 0.8, Confidence: 0.9,
			Usage: sentiment.Usage{PromptTokens: 10, OutputTokens: 2, Cost: decimal.RequireFromString("0.001")},
		})
	}
	if strings.Contains(t.Text, "TSLA") {
		out = append(out, sentiment.StanceResult{
			Mention: sentiment.Mention{Ticker: "TSLA", Source: sentiment.SourceBareToken},
			Label:   sentiment.LabelBearish, Score: -0.5, Confidence: 0.7,
		})
	}
	return out, nil
}

// memStore keeps submissions, runs and metrics in memory
type memStore struct {
	mu      sync.Mutex
	batches map[string]forum.SubmissionBatch
	runs    map[uuid.UUID]forum.PullRun
	daily   map[string]sentiment.TickerMetrics
	saveErr map[string]error
	history int
}

func newMemStore() *memStore {
	return &memStore{
		batches: map[string]forum.SubmissionBatch{},
		runs:    map[uuid.UUID]forum.PullRun{},
		daily:   map[string]sentiment.TickerMetrics{},
		saveErr: map[string]error{},
	}
}

func (m *memStore) SaveSubmission(_ context.Context, b forum.SubmissionBatch) ([]time.Time, error) {
	if err := m.saveErr[b.Post.ID]; err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var previous []time.Time
	if old, ok := m.batches[b.Post.ID]; ok && old.MentionCount() > 0 {
		previous = append(previous, old.BucketDate)
	}
	m.batches[b.Post.ID] = b
	return previous, nil
}

func (m *memStore) CreateRun(_ context.Context, run *forum.PullRun) error {
	m.runs[run.ID] = *run
	return nil
}

func (m *memStore) FinishRun(_ context.Context, run *forum.PullRun) error {
	m.runs[run.ID] = *run
	return nil
}

func (m *memStore) GetRun(_ context.Context, id uuid.UUID) (*forum.PullRun, error) {
	run, ok := m.runs[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return &run, nil
}

func (m *memStore) RecordsForBucket(_ context.Context, subreddit string, day time.Time) ([]sentiment.AggregationRecord, error) {
	var out []sentiment.AggregationRecord
	for _, b := range m.batches {
		if b.Post.Subreddit != subreddit || !b.BucketDate.Equal(day) {
			continue
		}
		for _, a := range b.Analyses {
			for _, r := range a.Results {
				out = append(out, sentiment.AggregationRecord{
					Ticker: r.Mention.Ticker, Label: r.Label, Score: r.Score,
					Upvotes: a.Upvotes, Depth: a.Depth, CreatedAt: a.CreatedAt,
				})
			}
		}
	}
	return out, nil
}

func (m *memStore) ReplaceDailyMetrics(_ context.Context, day time.Time, source string, rows []sentiment.TickerMetrics) error {
	prefix := day.Format(time.DateOnly) + "/" + source + "/"
	for k := range m.daily {
		if strings.HasPrefix(k, prefix) {
			delete(m.daily, k)
		}
	}
	for _, r := range rows {
		r.BucketDate, r.Source = day, source
		m.daily[prefix+r.Ticker] = r
	}
	return nil
}

func (m *memStore) DailyMetrics(_ context.Context, day time.Time) ([]sentiment.TickerMetrics, error) {
	var out []sentiment.TickerMetrics
	for _, r := range m.daily {
		if r.BucketDate.Equal(day) && r.Source != sentiment.SourceAll {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) AppendMetrics(_ context.Context, _ string, _ time.Time, rows []sentiment.TickerMetrics) error {
	m.history += len(rows)
	return nil
}

type runRecorder struct{ runs []forum.PullRun }

func (r *runRecorder) PublishRun(_ context.Context, run forum.PullRun) error {
	r.runs = append(r.runs, run)
	return errors.New("publisher down")
}

func listingPage(after string, ids ...string) string {
	children := make([]string, 0, len(ids))
	for i, id := range ids {
		children = append(children, fmt.Sprintf(
			`{"kind":"t3","data":{"id":%q,"subreddit":"stocks","created_utc":%d,"title":"post %s","score":%d}}`,
			id, baseUnix+i, id, 10+i))
	}
	return fmt.Sprintf(`{"kind":"Listing","data":{"after":%q,"children":[%s]}}`, after, strings.Join(children, ","))
}

func threadPayload(id, title, selftext string, comments ...string) string {
	return fmt.Sprintf(`[
	  {"kind":"Listing","data":{"children":[{"kind":"t3","data":{"id":%q,"subreddit":"stocks","created_utc":%d,"title":%q,"selftext":%q,"score":9}}]}},
	  {"kind":"Listing","data":{"children":[%s]}}
	]`, id, baseUnix, title, selftext, strings.Join(comments, ","))
}

func comment(id, parent, body string, score int, replies string) string {
	if replies == "" {
		replies = `""`
	}
	return fmt.Sprintf(`{"kind":"t1","data":{"id":%q,"parent_id":%q,"created_utc":%d,"score":%d,"body":%q,"replies":%s}}`,
		id, parent, baseUnix+60, score, body, replies)
}

func newTestService(reddit *fakeReddit, analyzer Analyzer, store *memStore, publishers ...RunPublisher) *Service {
	engine := aggregation.NewEngine(config.AggregationConfig{Timezone: "Europe/Berlin"})
	svc := NewService(
		config.PullConfig{Sort: "top", TimeFilter: "day", Limit: 2, MaxPages: 3},
		config.RedditConfig{MoreChildrenChunk: 100, MoreChildrenBatches: 5},
		Deps{
			Reddit:     reddit,
			Analyzer:   analyzer,
			Forums:     store,
			Metrics:    store,
			History:    store,
			Engine:     engine,
			Publishers: publishers,
		},
		logger.Nop(),
	)
	svc.now = func() time.Time { return time.Unix(baseUnix+3600, 0) }
	return svc
}

func TestPullSubreddit_FullCycle(t *testing.T) {
	reply := `{"kind":"Listing","data":{"children":[` + comment("c2", "t1_c1", "agree, TSLA is toast", 3, "") + `]}}`
	reddit := &fakeReddit{
		pages: []string{
			listingPage("t3_p2", "p1", "p2"),
			listingPage("", "p2", "p3"),
		},
		threads: map[string]string{
			"p1": threadPayload("p1", "AAPL earnings", "strong quarter",
				comment("c1", "t3_p1", "TSLA on the other hand", 40, reply)),
			"p2": threadPayload("p2", "general chat", "", comment("c3", "t3_p2", "nothing here", 1, "")),
			"p3": threadPayload("p3", "AAPL again", ""),
		},
	}
	analyzer := &keywordAnalyzer{}
	store := newMemStore()
	recorder := &runRecorder{}
	svc := newTestService(reddit, analyzer, store, recorder)

	var phases []forum.Phase
	run, err := svc.PullSubreddit(context.Background(), "stocks", func(p forum.Progress) {
		phases = append(phases, p.Phase)
	})
	require.NoError(t, err)

	assert.Equal(t, 1, reddit.resets)
	assert.Equal(t, []string{"stocks/top/day/2/", "stocks/top/day/2/t3_p2"}, reddit.listingArgs)

	assert.Equal(t, forum.RunSuccess, run.Status)
	assert.Equal(t, 3, run.Submissions, "p2 listed twice is processed once")
	assert.Equal(t, 3, run.Comments)
	assert.Equal(t, 4, run.Mentions)
	assert.Equal(t, int64(20), run.PromptTokens)
	assert.True(t, run.LLMCost.Equal(decimal.RequireFromString("0.002")))
	assert.Nil(t, run.Warning)
	require.NotNil(t, run.FinishedAt)

	stored, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, forum.RunSuccess, stored.Status)

	// submission text is title and selftext; comments see their parent body
	require.NotEmpty(t, analyzer.targets)
	assert.Equal(t, "AAPL earnings\nstrong quarter", analyzer.targets[0].Text)
	for _, tg := range analyzer.targets {
		if tg.Text == "agree, TSLA is toast" {
			assert.Equal(t, "TSLA on the other hand", tg.ParentText)
			assert.Equal(t, "AAPL earnings", tg.Title)
		}
	}

	assert.Equal(t, []forum.Phase{
		forum.PhaseInitializing, forum.PhaseListingComplete,
		forum.PhaseProcessing, forum.PhaseProcessing,
		forum.PhaseProcessing, forum.PhaseProcessing,
		forum.PhaseProcessing, forum.PhaseProcessing,
		forum.PhaseAggregating, forum.PhaseFinished,
	}, phases)

	day := "2026-03-10"
	aapl := store.daily[day+"/stocks/AAPL"]
	assert.Equal(t, 2, aapl.MentionCount)
	assert.InDelta(t, 0.8, aapl.ScoreUnweighted, 1e-9)
	tsla := store.daily[day+"/stocks/TSLA"]
	assert.Equal(t, 2, tsla.ValidCount)
	all := store.daily[day+"/ALL/TSLA"]
	assert.Equal(t, tsla.MentionCount, all.MentionCount)
	assert.Equal(t, 4, store.history)

	require.Len(t, recorder.runs, 1, "publisher errors do not fail the run")
}

func TestPullSubreddit_PartialErrors(t *testing.T) {
	reddit := &fakeReddit{
		pages: []string{listingPage("", "p1", "p2")},
		threads: map[string]string{
			"p2": threadPayload("p2", "AAPL", ""),
		},
		threadErrs: map[string]error{"p1": errors.New("503 upstream")},
	}
	store := newMemStore()
	svc := newTestService(reddit, &keywordAnalyzer{}, store)

	var last forum.Progress
	run, err := svc.PullSubreddit(context.Background(), "stocks", func(p forum.Progress) { last = p })
	require.NoError(t, err)

	assert.Equal(t, forum.RunPartial, run.Status)
	assert.Equal(t, 1, run.PartialErrors)
	assert.Equal(t, 1, run.Submissions)
	require.NotNil(t, run.Warning)
	assert.Equal(t, "partial errors: 1; sample: p1: fetch thread: 503 upstream", *run.Warning)
	assert.Equal(t, forum.PhaseFinished, last.Phase)
	assert.Equal(t, 2, last.ProcessedSubmissions)
	assert.Equal(t, 1, last.PartialErrors)
}

func TestPullSubreddit_ListingFailure(t *testing.T) {
	t.Run("first page fails the cycle", func(t *testing.T) {
		reddit := &fakeReddit{pageErrs: map[int]error{0: errors.New("connection reset")}}
		store := newMemStore()
		recorder := &runRecorder{}
		svc := newTestService(reddit, &keywordAnalyzer{}, store, recorder)

		var phases []forum.Phase
		run, err := svc.PullSubreddit(context.Background(), "stocks", func(p forum.Progress) {
			phases = append(phases, p.Phase)
			panic("observer bug")
		})
		require.Error(t, err)
		assert.Equal(t, forum.RunFailed, run.Status)
		require.NotNil(t, run.Error)
		assert.Contains(t, *run.Error, "connection reset")
		assert.Equal(t, []forum.Phase{forum.PhaseInitializing, forum.PhaseFailed}, phases)
		assert.Equal(t, forum.RunFailed, store.runs[run.ID].Status)
		require.Len(t, recorder.runs, 1)
	})

	t.Run("later page keeps collected submissions", func(t *testing.T) {
		reddit := &fakeReddit{
			pages:    []string{listingPage("t3_p2", "p1", "p2")},
			pageErrs: map[int]error{1: errors.New("timeout")},
			threads: map[string]string{
				"p1": threadPayload("p1", "x", ""),
				"p2": threadPayload("p2", "y", ""),
			},
		}
		run, err := newTestService(reddit, &keywordAnalyzer{}, newMemStore()).PullSubreddit(context.Background(), "stocks", nil)
		require.NoError(t, err)
		assert.Equal(t, forum.RunSuccess, run.Status)
		assert.Equal(t, 2, run.Submissions)
	})
}

func TestPullSubreddit_ShortPageStopsPagination(t *testing.T) {
	reddit := &fakeReddit{
		pages:   []string{listingPage("t3_p1", "p1")},
		threads: map[string]string{"p1": threadPayload("p1", "x", "")},
	}
	_, err := newTestService(reddit, &keywordAnalyzer{}, newMemStore()).PullSubreddit(context.Background(), "stocks", nil)
	require.NoError(t, err)
	assert.Len(t, reddit.listingArgs, 1)
}

func TestPullSubreddit_ExpandsPendingChildren(t *testing.T) {
	more := `{"kind":"more","data":{"id":"m1","parent_id":"t3_p1","children":["c7"]}}`
	reddit := &fakeReddit{
		pages:   []string{listingPage("", "p1")},
		threads: map[string]string{"p1": threadPayload("p1", "x", "", more)},
		more: `{"json":{"data":{"things":[` +
			`{"kind":"t1","data":{"id":"c7","parent_id":"t3_p1","created_utc":1773136900,"score":2,"body":"AAPL calls"}}` +
			`]}}}`,
	}
	store := newMemStore()
	run, err := newTestService(reddit, &keywordAnalyzer{}, store).PullSubreddit(context.Background(), "stocks", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, reddit.moreCalls)
	assert.Equal(t, 1, run.Comments)
	assert.Equal(t, 1, run.Mentions)
	require.Len(t, store.batches["p1"].Comments, 1)
	assert.Equal(t, "c7", store.batches["p1"].Comments[0].ID)
}

func TestPullSubreddit_SaveFailureIsPartial(t *testing.T) {
	reddit := &fakeReddit{
		pages:   []string{listingPage("", "p1")},
		threads: map[string]string{"p1": threadPayload("p1", "AAPL", "")},
	}
	store := newMemStore()
	store.saveErr["p1"] = errors.New("deadlock detected")

	run, err := newTestService(reddit, &keywordAnalyzer{}, store).PullSubreddit(context.Background(), "stocks", nil)
	require.NoError(t, err)
	assert.Equal(t, forum.RunPartial, run.Status)
	assert.Zero(t, run.Mentions)
	assert.Empty(t, store.daily)
}

func TestPullSubreddit_CancelledContextFails(t *testing.T) {
	reddit := &fakeReddit{
		pages:   []string{listingPage("", "p1")},
		threads: map[string]string{"p1": threadPayload("p1", "x", "")},
	}
	store := newMemStore()
	svc := newTestService(reddit, &keywordAnalyzer{}, store)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := svc.PullSubreddit(ctx, "stocks", func(p forum.Progress) {
		if p.Phase == forum.PhaseListingComplete {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, forum.RunFailed, store.runs[run.ID].Status)
}

func TestPullSubreddit_RepullDropsVanishedTicker(t *testing.T) {
	reddit := &fakeReddit{
		pages: []string{listingPage("", "p1")},
		threads: map[string]string{
			"p1": threadPayload("p1", "AAPL earnings", "",
				comment("c1", "t3_p1", "TSLA looks weak", 5, "")),
		},
	}
	store := newMemStore()
	svc := newTestService(reddit, &keywordAnalyzer{}, store)

	_, err := svc.PullSubreddit(context.Background(), "stocks", nil)
	require.NoError(t, err)
	require.Contains(t, store.daily, "2026-03-10/stocks/TSLA")
	require.Contains(t, store.daily, "2026-03-10/ALL/TSLA")

	// the only TSLA comment is gone on the second pull
	reddit.threads["p1"] = threadPayload("p1", "AAPL earnings", "")
	reddit.listingArgs = nil

	_, err = svc.PullSubreddit(context.Background(), "stocks", nil)
	require.NoError(t, err)
	assert.NotContains(t, store.daily, "2026-03-10/stocks/TSLA")
	assert.NotContains(t, store.daily, "2026-03-10/ALL/TSLA")
	assert.Equal(t, 1, store.daily["2026-03-10/stocks/AAPL"].MentionCount)
	assert.Equal(t, 1, store.daily["2026-03-10/ALL/AAPL"].MentionCount)
}

func TestPullSubreddit_BucketsByPullDay(t *testing.T) {
	// created 2025-11-02, pulled on 2026-03-10
	old := `[
	  {"kind":"Listing","data":{"children":[{"kind":"t3","data":{"id":"p1","subreddit":"stocks","created_utc":1762070400,"title":"AAPL thesis","score":30}}]}},
	  {"kind":"Listing","data":{"children":[]}}
	]`
	reddit := &fakeReddit{
		pages:   []string{listingPage("", "p1")},
		threads: map[string]string{"p1": old},
	}
	store := newMemStore()
	svc := newTestService(reddit, &keywordAnalyzer{}, store)

	_, err := svc.PullSubreddit(context.Background(), "stocks", nil)
	require.NoError(t, err)
	assert.Contains(t, store.daily, "2026-03-10/stocks/AAPL")
	assert.NotContains(t, store.daily, "2025-11-02/stocks/AAPL")

	// a pull late on 2026-03-11 Berlin time refiles the post and clears the earlier day
	svc.now = func() time.Time { return time.Date(2026, 3, 11, 22, 30, 0, 0, time.UTC) }
	reddit.listingArgs = nil

	_, err = svc.PullSubreddit(context.Background(), "stocks", nil)
	require.NoError(t, err)
	assert.Contains(t, store.daily, "2026-03-11/stocks/AAPL")
	assert.Contains(t, store.daily, "2026-03-11/ALL/AAPL")
	assert.NotContains(t, store.daily, "2026-03-10/stocks/AAPL")
	assert.NotContains(t, store.daily, "2026-03-10/ALL/AAPL")
}

func TestPartialWarning(t *testing.T) {
	got := PartialWarning([]string{"a: 1", "b: 2", "c: 3", "d: 4"})
	assert.Equal(t, "partial errors: 4; sample: a: 1 | b: 2 | c: 3", got)
}
