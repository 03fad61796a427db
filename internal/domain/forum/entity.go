package forum

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tickerpulse/internal/domain/sentiment"
)

// Post is a normalized Reddit submission
type Post struct {
	ID          string    `db:"id" json:"id"`
	Subreddit   string    `db:"subreddit" json:"subreddit"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	Title       string    `db:"title" json:"title"`
	Body        string    `db:"selftext" json:"selftext"`
	URL         string    `db:"url" json:"url"`
	Author      *string   `db:"author" json:"author,omitempty"`
	Score       int       `db:"score" json:"score"`
	NumComments int       `db:"num_comments" json:"num_comments"`
	Permalink   string    `db:"permalink" json:"permalink"`
}

// Comment is a normalized comment. ParentID is the bare id of the parent
// comment, or of the submission for top-level comments.
type Comment struct {
	ID           string    `db:"id" json:"id"`
	SubmissionID string    `db:"submission_id" json:"submission_id"`
	ParentID     *string   `db:"parent_id" json:"parent_id,omitempty"`
	Depth        int       `db:"depth" json:"depth"`
	Author       *string   `db:"author" json:"author,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	Score        int       `db:"score" json:"score"`
	Body         string    `db:"body" json:"body"`
	Permalink    string    `db:"permalink" json:"permalink"`
}

// PendingExpansion is a "more" placeholder: child ids hidden below ParentID
type PendingExpansion struct {
	ParentID *string  `json:"parent_id,omitempty"`
	Depth    int      `json:"depth"`
	Children []string `json:"children"`
}

// Listing is one page of submissions with the cursor to the next page
type Listing struct {
	Posts []Post `json:"posts"`
	After string `json:"after,omitempty"`
}

// Thread is a submission with its comment forest flattened
type Thread struct {
	Post     Post               `json:"post"`
	Comments []Comment          `json:"comments"`
	Pending  []PendingExpansion `json:"pending,omitempty"`
}

// RunStatus is the lifecycle state of a pull run
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial_success"
	RunFailed  RunStatus = "failed"
)

// PullRun is the persisted record of one subreddit pull cycle
type PullRun struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	Subreddit     string          `db:"subreddit" json:"subreddit"`
	Status        RunStatus       `db:"status" json:"status"`
	StartedAt     time.Time       `db:"started_at" json:"started_at"`
	FinishedAt    *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
	Submissions   int             `db:"submissions" json:"submissions"`
	Comments      int             `db:"comments" json:"comments"`
	Mentions      int             `db:"mentions" json:"mentions"`
	PartialErrors int             `db:"partial_errors" json:"partial_errors"`
	Warning       *string         `db:"warning" json:"warning,omitempty"`
	Error         *string         `db:"error" json:"error,omitempty"`
	PromptTokens  int64           `db:"prompt_tokens" json:"prompt_tokens"`
	OutputTokens  int64           `db:"output_tokens" json:"output_tokens"`
	LLMCost       decimal.Decimal `db:"llm_cost" json:"llm_cost"`
}

// TargetAnalysis is the extraction and stance output for one post or comment
type TargetAnalysis struct {
	TargetType sentiment.TargetType
	TargetID   string
	Upvotes    int
	Depth      int
	CreatedAt  time.Time
	Results    []sentiment.StanceResult
}

// SubmissionBatch is everything written for one submission in a single
// transaction. BucketDate is the day of the run that pulled it.
type SubmissionBatch struct {
	Post       Post
	Comments   []Comment
	Analyses   []TargetAnalysis
	BucketDate time.Time
}

// MentionCount counts stance rows in the batch
func (b SubmissionBatch) MentionCount() int {
	n := 0
	for _, a := range b.Analyses {
		n += len(a.Results)
	}
	return n
}
