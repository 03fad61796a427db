package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/domain/forum"
	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/internal/metrics"
	"tickerpulse/internal/services/aggregation"
	"tickerpulse/internal/services/stance"
	"tickerpulse/internal/services/thread"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

const (
	maxRunErrorLen   = 4000
	warningSampleLen = 3
)

// RedditAPI is the subset of the Reddit client a pull cycle uses
type RedditAPI interface {
	ResetCache()
	Listing(ctx context.Context, subreddit, sort, timeFilter string, limit int, after string) (json.RawMessage, error)
	Thread(ctx context.Context, postID string) (json.RawMessage, error)
	MoreChildren(ctx context.Context, postID string, ids []string) (json.RawMessage, error)
}

// Analyzer classifies the stance of every mention in one target
type Analyzer interface {
	AnalyzeTarget(ctx context.Context, t stance.Target) ([]sentiment.StanceResult, error)
}

// RunPublisher is told about every finished run
type RunPublisher interface {
	PublishRun(ctx context.Context, run forum.PullRun) error
}

// Deps are the collaborators of a pull cycle. History, ProgressSinks,
// Publishers and Tracker are optional.
type Deps struct {
	Reddit        RedditAPI
	Analyzer      Analyzer
	Forums        forum.Repository
	Metrics       sentiment.Repository
	History       sentiment.MetricsSink
	Engine        *aggregation.Engine
	ProgressSinks []ProgressSink
	Publishers    []RunPublisher
	Tracker       errors.Tracker
}

// Service runs pull cycles for one subreddit at a time
type Service struct {
	cfg      config.PullConfig
	deps     Deps
	expander *thread.Expander
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates the pull-cycle service
func NewService(cfg config.PullConfig, redditCfg config.RedditConfig, deps Deps, log *logger.Logger) *Service {
	log = log.With("component", "ingestion")
	return &Service{
		cfg:      cfg,
		deps:     deps,
		expander: thread.NewExpander(deps.Reddit, redditCfg.MoreChildrenChunk, redditCfg.MoreChildrenBatches, log),
		log:      log,
		now:      time.Now,
	}
}

// cycle accumulates the counters of one run. bucket is the day every
// submission pulled by the run is filed under.
type cycle struct {
	run      *forum.PullRun
	bucket   time.Time
	emitter  *emitter
	partials []string
	days     map[time.Time]struct{}
}

// submissionResult is what one processed submission adds to the run
type submissionResult struct {
	comments int
	mentions int
	usage    sentiment.Usage
	days     []time.Time
}

// PullSubreddit runs one full cycle: listing, threads, extraction and
// classification, persistence and daily aggregation. The returned run is
// set even when the cycle fails.
func (s *Service) PullSubreddit(ctx context.Context, subreddit string, observer ProgressFunc) (*forum.PullRun, error) {
	start := s.now()
	run := &forum.PullRun{
		ID:        uuid.New(),
		Subreddit: subreddit,
		Status:    forum.RunRunning,
		StartedAt: start.UTC(),
		LLMCost:   decimal.Zero,
	}
	if err := s.deps.Forums.CreateRun(ctx, run); err != nil {
		return run, errors.Wrapf(err, "create pull run for %s", subreddit)
	}

	log := s.log.With("subreddit", subreddit, "run_id", run.ID)
	bucket := s.deps.Engine.Bucket(start)
	c := &cycle{
		run:     run,
		bucket:  bucket,
		emitter: newEmitter(forum.Progress{RunID: run.ID, Subreddit: subreddit}, observer, s.deps.ProgressSinks, log),
		days:    map[time.Time]struct{}{bucket: {}},
	}

	s.deps.Reddit.ResetCache()
	c.emitter.emit(ctx, forum.PhaseInitializing, nil)
	log.Info("Pull cycle started")

	posts, err := s.collectPosts(ctx, subreddit)
	if err != nil {
		return run, s.fail(ctx, c, log, errors.Wrap(err, "fetch listing"))
	}

	total := len(posts)
	c.emitter.emit(ctx, forum.PhaseListingComplete, func(p *forum.Progress) {
		p.TotalSubmissions = &total
	})
	log.Infow("Listing collected", "submissions", total)

	for i := range posts {
		if err := ctx.Err(); err != nil {
			return run, s.fail(ctx, c, log, err)
		}
		s.processOne(ctx, c, log, posts[i])
	}

	c.emitter.emit(ctx, forum.PhaseAggregating, func(p *forum.Progress) {
		p.CurrentSubmissionID = nil
	})
	if err := s.aggregate(ctx, subreddit, run.ID, c.days); err != nil {
		return run, s.fail(ctx, c, log, errors.Wrap(err, "aggregate daily metrics"))
	}

	run.PartialErrors = len(c.partials)
	run.Status = forum.RunSuccess
	if len(c.partials) > 0 {
		run.Status = forum.RunPartial
		warning := PartialWarning(c.partials)
		run.Warning = &warning
	}
	finished := s.now().UTC()
	run.FinishedAt = &finished

	if err := s.deps.Forums.FinishRun(ctx, run); err != nil {
		return run, s.fail(ctx, c, log, errors.Wrap(err, "finish pull run"))
	}

	c.emitter.emit(ctx, forum.PhaseFinished, nil)
	metrics.RecordPullRun(subreddit, string(run.Status))
	s.publish(ctx, run, log)

	log.Infow("Pull cycle finished",
		"status", run.Status,
		"submissions", run.Submissions,
		"comments", humanize.Comma(int64(run.Comments)),
		"mentions", run.Mentions,
		"partial_errors", run.PartialErrors,
		"llm_cost", run.LLMCost.String(),
		"took", humanize.RelTime(start, s.now(), "", ""),
	)
	return run, nil
}

func (s *Service) processOne(ctx context.Context, c *cycle, log *logger.Logger, post forum.Post) {
	postID := post.ID
	c.emitter.emit(ctx, forum.PhaseProcessing, func(p *forum.Progress) {
		p.CurrentSubmissionID = &postID
	})

	res, err := s.processSubmission(ctx, post, c.bucket)
	metrics.RecordSubmission(c.run.Subreddit, err)
	if err != nil {
		c.partials = append(c.partials, fmt.Sprintf("%s: %v", post.ID, err))
		log.Warnw("Submission failed", "submission_id", post.ID, "error", err)
	} else {
		c.run.Submissions++
		c.run.Comments += res.comments
		c.run.Mentions += res.mentions
		c.run.PromptTokens += res.usage.PromptTokens
		c.run.OutputTokens += res.usage.OutputTokens
		c.run.LLMCost = c.run.LLMCost.Add(res.usage.Cost)
		for _, d := range res.days {
			c.days[d] = struct{}{}
		}
	}

	run := *c.run
	partials := len(c.partials)
	c.emitter.emit(ctx, forum.PhaseProcessing, func(p *forum.Progress) {
		p.ProcessedSubmissions++
		p.Comments = run.Comments
		p.Mentions = run.Mentions
		p.PartialErrors = partials
	})
}

// collectPosts pages through the listing. A failing later page ends
// pagination; a failing first page fails the cycle.
func (s *Service) collectPosts(ctx context.Context, subreddit string) ([]forum.Post, error) {
	limit := s.cfg.ClampedLimit()
	pages := max(s.cfg.MaxPages, 1)

	var (
		posts []forum.Post
		seen  = make(map[string]struct{})
		after string
	)
	for page := 0; page < pages; page++ {
		raw, err := s.deps.Reddit.Listing(ctx, subreddit, s.cfg.Sort, s.cfg.TimeFilter, limit, after)
		if err == nil {
			var listing forum.Listing
			listing, err = thread.ParseListing(raw)
			if err == nil {
				for _, p := range listing.Posts {
					if _, dup := seen[p.ID]; dup {
						continue
					}
					seen[p.ID] = struct{}{}
					if p.Subreddit == "" {
						p.Subreddit = subreddit
					}
					posts = append(posts, p)
				}
				if listing.After == "" || len(listing.Posts) < limit {
					break
				}
				after = listing.After
				continue
			}
		}

		if len(posts) > 0 {
			s.log.Warnw("Listing page failed, keeping collected submissions",
				"subreddit", subreddit, "page", page+1, "collected", len(posts), "error", err)
			break
		}
		return nil, err
	}
	return posts, nil
}

// processSubmission fetches, analyzes and stores one submission with its
// comments under bucket. The result lists the days the submission was filed
// under before, which need recomputing too.
func (s *Service) processSubmission(ctx context.Context, listed forum.Post, bucket time.Time) (submissionResult, error) {
	var res submissionResult

	raw, err := s.deps.Reddit.Thread(ctx, listed.ID)
	if err != nil {
		return res, errors.Wrap(err, "fetch thread")
	}
	th, err := thread.ParseThread(raw)
	if err != nil {
		return res, err
	}

	post := th.Post
	if post.ID == "" {
		post = listed
	}
	if post.Subreddit == "" {
		post.Subreddit = listed.Subreddit
	}

	expansion, err := s.expander.Expand(ctx, post.ID, th.Comments, th.Pending)
	if err != nil {
		return res, err
	}
	comments := expansion.Comments

	batch := forum.SubmissionBatch{Post: post, Comments: comments, BucketDate: bucket}

	results, err := s.deps.Analyzer.AnalyzeTarget(ctx, stance.Target{
		Type:     sentiment.TargetSubmission,
		Text:     strings.TrimSpace(post.Title + "\n" + post.Body),
		Title:    post.Title,
		Selftext: post.Body,
	})
	if err != nil {
		return res, errors.Wrap(err, "analyze submission")
	}
	batch.Analyses = append(batch.Analyses, forum.TargetAnalysis{
		TargetType: sentiment.TargetSubmission,
		TargetID:   post.ID,
		Upvotes:    post.Score,
		Depth:      0,
		CreatedAt:  post.CreatedAt,
		Results:    results,
	})

	bodies := make(map[string]string, len(comments))
	for _, cm := range comments {
		bodies[cm.ID] = cm.Body
	}
	for _, cm := range comments {
		parent := ""
		if cm.ParentID != nil {
			parent = bodies[*cm.ParentID]
		}
		results, err := s.deps.Analyzer.AnalyzeTarget(ctx, stance.Target{
			Type:       sentiment.TargetComment,
			Text:       cm.Body,
			Title:      post.Title,
			Selftext:   post.Body,
			ParentText: parent,
		})
		if err != nil {
			return res, errors.Wrapf(err, "analyze comment %s", cm.ID)
		}
		batch.Analyses = append(batch.Analyses, forum.TargetAnalysis{
			TargetType: sentiment.TargetComment,
			TargetID:   cm.ID,
			Upvotes:    cm.Score,
			Depth:      cm.Depth,
			CreatedAt:  cm.CreatedAt,
			Results:    results,
		})
	}

	previous, err := s.deps.Forums.SaveSubmission(ctx, batch)
	if err != nil {
		return res, errors.Wrap(err, "save submission")
	}

	for _, a := range batch.Analyses {
		for _, r := range a.Results {
			res.usage.Add(r.Usage)
		}
	}
	for _, d := range previous {
		y, m, dd := d.Date()
		res.days = append(res.days, time.Date(y, m, dd, 0, 0, 0, 0, time.UTC))
	}
	res.comments = len(comments)
	res.mentions = batch.MentionCount()
	return res, nil
}

// aggregate recomputes the subreddit rows of every touched day from stored
// stance rows, then rebuilds the day's ALL rows from every subreddit. Each
// (day, source) row set is replaced whole, so tickers that lost their last
// mention drop out.
func (s *Service) aggregate(ctx context.Context, subreddit string, runID uuid.UUID, days map[time.Time]struct{}) error {
	ordered := make([]time.Time, 0, len(days))
	for d := range days {
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	now := s.now()
	for _, day := range ordered {
		records, err := s.deps.Metrics.RecordsForBucket(ctx, subreddit, day)
		if err != nil {
			return err
		}

		computed := s.deps.Engine.Compute(records, now)
		rows := make([]sentiment.TickerMetrics, 0, len(computed))
		for _, m := range computed {
			m.BucketDate = day
			m.Source = subreddit
			rows = append(rows, m)
		}
		aggregation.SortMetrics(rows)
		if err := s.deps.Metrics.ReplaceDailyMetrics(ctx, day, subreddit, rows); err != nil {
			return err
		}

		daily, err := s.deps.Metrics.DailyMetrics(ctx, day)
		if err != nil {
			return err
		}
		all := aggregation.MergeSources(daily)
		if err := s.deps.Metrics.ReplaceDailyMetrics(ctx, day, sentiment.SourceAll, all); err != nil {
			return err
		}

		if s.deps.History != nil {
			if err := s.deps.History.AppendMetrics(ctx, runID.String(), now, append(rows, all...)); err != nil {
				s.log.Warnw("Metrics history append failed", "day", day.Format(time.DateOnly), "error", err)
			}
		}
	}
	return nil
}

// fail records a cycle-fatal error on the run
func (s *Service) fail(ctx context.Context, c *cycle, log *logger.Logger, cause error) error {
	// The run row is written even when the pull itself was cancelled.
	ctx = context.WithoutCancel(ctx)

	run := c.run
	msg := errors.Truncate(cause, maxRunErrorLen)
	finished := s.now().UTC()
	run.Status = forum.RunFailed
	run.Error = &msg
	run.FinishedAt = &finished
	run.PartialErrors = len(c.partials)

	log.Errorw("Pull cycle failed", "error", cause, "partial_errors", run.PartialErrors)
	if s.deps.Tracker != nil {
		_ = s.deps.Tracker.CaptureError(ctx, cause, map[string]string{
			"component": "ingestion",
			"subreddit": run.Subreddit,
		})
	}

	if err := s.deps.Forums.FinishRun(ctx, run); err != nil {
		log.Errorw("Failed to store failed run", "error", err)
	}
	c.emitter.emit(ctx, forum.PhaseFailed, func(p *forum.Progress) {
		p.CurrentSubmissionID = nil
		p.PartialErrors = run.PartialErrors
	})
	metrics.RecordPullRun(run.Subreddit, string(run.Status))
	s.publish(ctx, run, log)
	return cause
}

func (s *Service) publish(ctx context.Context, run *forum.PullRun, log *logger.Logger) {
	for _, p := range s.deps.Publishers {
		if err := p.PublishRun(ctx, *run); err != nil {
			log.Warnw("Run publisher failed", "error", err)
		}
	}
}

// PartialWarning summarizes per-submission failures with a short sample
func PartialWarning(partials []string) string {
	sample := partials
	if len(sample) > warningSampleLen {
		sample = sample[:warningSampleLen]
	}
	return fmt.Sprintf("partial errors: %d; sample: %s", len(partials), strings.Join(sample, " | "))
}
