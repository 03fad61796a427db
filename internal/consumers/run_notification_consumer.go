package consumers

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"tickerpulse/internal/adapters/kafka"
	"tickerpulse/internal/domain/forum"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

const handleTimeout = 30 * time.Second

// MessageSource is a Kafka topic reader
type MessageSource interface {
	Consume(ctx context.Context, handler kafka.MessageHandler) error
	Close() error
}

// RunPublisher delivers a finished run somewhere (Telegram)
type RunPublisher interface {
	PublishRun(ctx context.Context, run forum.PullRun) error
}

// RunNotificationConsumer forwards finished pull runs from Kafka to a notifier
type RunNotificationConsumer struct {
	source   MessageSource
	notifier RunPublisher
	log      *logger.Logger
}

// NewRunNotificationConsumer creates the consumer
func NewRunNotificationConsumer(source MessageSource, notifier RunPublisher, log *logger.Logger) *RunNotificationConsumer {
	return &RunNotificationConsumer{
		source:   source,
		notifier: notifier,
		log:      log.With("component", "run_notification_consumer"),
	}
}

// Start consumes until ctx is cancelled, then closes the reader
func (c *RunNotificationConsumer) Start(ctx context.Context) error {
	c.log.Info("Starting run notification consumer...")

	defer func() {
		if err := c.source.Close(); err != nil {
			c.log.Warnw("Failed to close consumer", "error", err)
		}
	}()

	err := c.source.Consume(ctx, c.handleMessage)
	if ctx.Err() != nil {
		c.log.Info("Run notification consumer stopped")
		return nil
	}
	return err
}

func (c *RunNotificationConsumer) handleMessage(_ context.Context, msg kafkago.Message) error {
	var run forum.PullRun
	if err := json.Unmarshal(msg.Value, &run); err != nil {
		return errors.Wrap(err, "unmarshal pull run")
	}

	// a notification in flight is finished even during shutdown
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if err := c.notifier.PublishRun(ctx, run); err != nil {
		return errors.Wrapf(err, "notify run %s", run.ID)
	}
	c.log.Debugw("Run notification sent", "run_id", run.ID, "subreddit", run.Subreddit, "status", run.Status)
	return nil
}
