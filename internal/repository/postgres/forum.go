package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"tickerpulse/internal/domain/forum"
	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/pkg/errors"
)

// Compile-time check
var _ forum.Repository = (*ForumRepository)(nil)

// ForumRepository implements forum.Repository using sqlx
type ForumRepository struct {
	db *sqlx.DB
}

// NewForumRepository creates a new forum repository
func NewForumRepository(db *sqlx.DB) *ForumRepository {
	return &ForumRepository{db: db}
}

// SaveSubmission writes a submission and everything derived from it in one
// transaction. Mention and stance rows are replaced, never merged, and the
// bucket days of the replaced stance rows are returned.
func (r *ForumRepository) SaveSubmission(ctx context.Context, batch forum.SubmissionBatch) ([]time.Time, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := upsertPost(ctx, tx, batch.Post); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(batch.Comments))
	for _, c := range batch.Comments {
		if err := upsertComment(ctx, tx, c); err != nil {
			return nil, err
		}
		ids = append(ids, c.ID)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM comments WHERE submission_id = $1 AND NOT (id = ANY($2))`,
		batch.Post.ID, pq.Array(ids),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to delete stale comments")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mentions WHERE submission_id = $1`, batch.Post.ID); err != nil {
		return nil, errors.Wrap(err, "failed to clear mentions")
	}

	var previous []time.Time
	query := `
		WITH gone AS (
			DELETE FROM stance_results WHERE submission_id = $1 RETURNING bucket_date
		)
		SELECT DISTINCT bucket_date FROM gone`
	if err := tx.SelectContext(ctx, &previous, query, batch.Post.ID); err != nil {
		return nil, errors.Wrap(err, "failed to clear stance results")
	}

	for _, a := range batch.Analyses {
		for _, res := range a.Results {
			if err := insertMention(ctx, tx, batch.Post.ID, a, res.Mention); err != nil {
				return nil, err
			}
			if err := insertStance(ctx, tx, batch, a, res); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit submission")
	}
	return previous, nil
}

func upsertPost(ctx context.Context, tx *sqlx.Tx, p forum.Post) error {
	query := `
		INSERT INTO submissions (
			id, subreddit, created_at, title, selftext, url,
			author, score, num_comments, permalink, fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			selftext = EXCLUDED.selftext,
			url = EXCLUDED.url,
			author = EXCLUDED.author,
			score = EXCLUDED.score,
			num_comments = EXCLUDED.num_comments,
			permalink = EXCLUDED.permalink,
			fetched_at = NOW()`

	_, err := tx.ExecContext(ctx, query,
		p.ID, p.Subreddit, p.CreatedAt, p.Title, p.Body, p.URL,
		p.Author, p.Score, p.NumComments, p.Permalink,
	)
	return errors.Wrapf(err, "failed to upsert submission %s", p.ID)
}

func upsertComment(ctx context.Context, tx *sqlx.Tx, c forum.Comment) error {
	query := `
		INSERT INTO comments (
			id, submission_id, parent_id, depth, author,
			created_at, score, body, permalink, fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			depth = EXCLUDED.depth,
			author = EXCLUDED.author,
			score = EXCLUDED.score,
			body = EXCLUDED.body,
			permalink = EXCLUDED.permalink,
			fetched_at = NOW()`

	_, err := tx.ExecContext(ctx, query,
		c.ID, c.SubmissionID, c.ParentID, c.Depth, c.Author,
		c.CreatedAt, c.Score, c.Body, c.Permalink,
	)
	return errors.Wrapf(err, "failed to upsert comment %s", c.ID)
}

func insertMention(ctx context.Context, tx *sqlx.Tx, submissionID string, a forum.TargetAnalysis, m sentiment.Mention) error {
	query := `
		INSERT INTO mentions (
			submission_id, target_type, target_id, ticker,
			confidence, source, span_start, span_end
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := tx.ExecContext(ctx, query,
		submissionID, a.TargetType, a.TargetID, m.Ticker,
		m.Confidence, m.Source, m.SpanStart, m.SpanEnd,
	)
	return errors.Wrapf(err, "failed to insert mention %s on %s", m.Ticker, a.TargetID)
}

func insertStance(ctx context.Context, tx *sqlx.Tx, b forum.SubmissionBatch, a forum.TargetAnalysis, res sentiment.StanceResult) error {
	query := `
		INSERT INTO stance_results (
			submission_id, subreddit, target_type, target_id, ticker,
			label, score, confidence, prob_bullish, prob_bearish, prob_neutral,
			model_version, mention_source, escalated, fallback_failed, context_text,
			upvote_score, depth, target_created, bucket_date, prompt_tokens, output_tokens, llm_cost
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23
		)`

	_, err := tx.ExecContext(ctx, query,
		b.Post.ID, b.Post.Subreddit, a.TargetType, a.TargetID, res.Mention.Ticker,
		res.Label, res.Score, res.Confidence,
		res.Probabilities.Bullish, res.Probabilities.Bearish, res.Probabilities.Neutral,
		res.ModelVersion, res.Mention.Source, res.Escalated, res.FallbackFailed, res.ContextText,
		a.Upvotes, a.Depth, a.CreatedAt, b.BucketDate, res.Usage.PromptTokens, res.Usage.OutputTokens, res.Usage.Cost,
	)
	return errors.Wrapf(err, "failed to insert stance %s on %s", res.Mention.Ticker, a.TargetID)
}

// CreateRun inserts a run in its initial state
func (r *ForumRepository) CreateRun(ctx context.Context, run *forum.PullRun) error {
	query := `
		INSERT INTO pull_runs (
			id, subreddit, status, started_at, finished_at,
			submissions, comments, mentions, partial_errors, warning, error,
			prompt_tokens, output_tokens, llm_cost
		) VALUES (
			:id, :subreddit, :status, :started_at, :finished_at,
			:submissions, :comments, :mentions, :partial_errors, :warning, :error,
			:prompt_tokens, :output_tokens, :llm_cost
		)`

	_, err := r.db.NamedExecContext(ctx, query, run)
	return errors.Wrap(err, "failed to create pull run")
}

// FinishRun stores the terminal state and counters of a run
func (r *ForumRepository) FinishRun(ctx context.Context, run *forum.PullRun) error {
	query := `
		UPDATE pull_runs SET
			status = :status,
			finished_at = :finished_at,
			submissions = :submissions,
			comments = :comments,
			mentions = :mentions,
			partial_errors = :partial_errors,
			warning = :warning,
			error = :error,
			prompt_tokens = :prompt_tokens,
			output_tokens = :output_tokens,
			llm_cost = :llm_cost
		WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, query, run)
	if err != nil {
		return errors.Wrap(err, "failed to finish pull run")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "pull run %s", run.ID)
	}
	return nil
}

// GetRun loads one run by id
func (r *ForumRepository) GetRun(ctx context.Context, id uuid.UUID) (*forum.PullRun, error) {
	var run forum.PullRun

	query := `
		SELECT id, subreddit, status, started_at, finished_at,
			submissions, comments, mentions, partial_errors, warning, error,
			prompt_tokens, output_tokens, llm_cost
		FROM pull_runs WHERE id = $1`

	err := r.db.GetContext(ctx, &run, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "pull run %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get pull run")
	}
	return &run, nil
}
