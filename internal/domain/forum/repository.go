package forum

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists threads, their analyses and pull runs
type Repository interface {
	// SaveSubmission upserts the post and its comments, removes comments that
	// vanished upstream and replaces the mention and stance rows of every target.
	// It returns the bucket days the replaced stance rows were filed under.
	SaveSubmission(ctx context.Context, batch SubmissionBatch) ([]time.Time, error)

	CreateRun(ctx context.Context, run *PullRun) error
	FinishRun(ctx context.Context, run *PullRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*PullRun, error)
}
