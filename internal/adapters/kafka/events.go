package kafka

import (
	"context"

	"tickerpulse/internal/domain/forum"
)

// RunEvents publishes pull-cycle progress and finished runs
type RunEvents struct {
	producer      *Producer
	progressTopic string
	runsTopic     string
}

// NewRunEvents creates a publisher on the given topics, falling back to the defaults
func NewRunEvents(producer *Producer, progressTopic, runsTopic string) *RunEvents {
	if progressTopic == "" {
		progressTopic = TopicIngestProgress
	}
	if runsTopic == "" {
		runsTopic = TopicIngestRuns
	}
	return &RunEvents{producer: producer, progressTopic: progressTopic, runsTopic: runsTopic}
}

// PublishProgress sends one progress checkpoint keyed by run id
func (e *RunEvents) PublishProgress(ctx context.Context, p forum.Progress) error {
	return e.producer.Publish(ctx, e.progressTopic, p.RunID.String(), p)
}

// PublishRun sends a finished run keyed by subreddit
func (e *RunEvents) PublishRun(ctx context.Context, run forum.PullRun) error {
	return e.producer.Publish(ctx, e.runsTopic, run.Subreddit, run)
}
