package sentiment

import (
	"context"
	"time"

	"tickerpulse/internal/services/pulljob"
	"tickerpulse/internal/workers"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

// JobStarter queues pull jobs
type JobStarter interface {
	Start(ctx context.Context, mode pulljob.Mode, subreddit string) (*pulljob.Snapshot, error)
}

// PullWorker queues a pull of every configured subreddit on each tick.
// A tick that finds a job still running is skipped.
type PullWorker struct {
	*workers.BaseWorker
	jobs JobStarter
}

// NewPullWorker creates the scheduled pull worker
func NewPullWorker(jobs JobStarter, interval time.Duration, enabled bool, log *logger.Logger) *PullWorker {
	return &PullWorker{
		BaseWorker: workers.NewBaseWorker("subreddit_pull", interval, enabled, log),
		jobs:       jobs,
	}
}

// Run queues one job for all subreddits
func (w *PullWorker) Run(ctx context.Context) error {
	snap, err := w.jobs.Start(ctx, pulljob.ModeAll, "")
	if errors.Is(err, errors.ErrJobActive) {
		fields := []interface{}{"error", err}
		if snap != nil {
			fields = append(fields, "job_id", snap.ID, "status", snap.Status)
		}
		w.Log().Infow("Pull job already active, skipping tick", fields...)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "start scheduled pull job")
	}

	w.Log().Infow("Scheduled pull job queued", "job_id", snap.ID, "subreddits", snap.TotalSteps)
	return nil
}
