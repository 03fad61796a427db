package consumers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerpulse/internal/adapters/kafka"
	"tickerpulse/internal/domain/forum"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

type replaySource struct {
	messages []kafkago.Message
	handled  []error
	closed   bool
	err      error
}

func (s *replaySource) Consume(ctx context.Context, handler kafka.MessageHandler) error {
	for _, m := range s.messages {
		s.handled = append(s.handled, handler(ctx, m))
	}
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *replaySource) Close() error {
	s.closed = true
	return nil
}

type recordingPublisher struct {
	runs []forum.PullRun
	err  error
}

func (p *recordingPublisher) PublishRun(_ context.Context, run forum.PullRun) error {
	p.runs = append(p.runs, run)
	return p.err
}

func runMessage(t *testing.T, run forum.PullRun) kafkago.Message {
	t.Helper()
	b, err := json.Marshal(run)
	require.NoError(t, err)
	return kafkago.Message{Key: []byte(run.Subreddit), Value: b}
}

func TestRunNotificationConsumer_ForwardsRuns(t *testing.T) {
	run := forum.PullRun{ID: uuid.New(), Subreddit: "stocks", Status: forum.RunPartial, Submissions: 12}
	source := &replaySource{messages: []kafkago.Message{
		runMessage(t, run),
		{Value: []byte("not json")},
	}}
	pub := &recordingPublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewRunNotificationConsumer(source, pub, logger.Nop()).Start(ctx)

	require.NoError(t, err)
	assert.True(t, source.closed)
	require.Len(t, pub.runs, 1)
	assert.Equal(t, run.ID, pub.runs[0].ID)
	assert.Equal(t, forum.RunPartial, pub.runs[0].Status)
	assert.Equal(t, 12, pub.runs[0].Submissions)
	require.Len(t, source.handled, 2)
	assert.NoError(t, source.handled[0])
	assert.Error(t, source.handled[1])
}

func TestRunNotificationConsumer_PublishErrorIsReported(t *testing.T) {
	source := &replaySource{messages: []kafkago.Message{runMessage(t, forum.PullRun{ID: uuid.New(), Subreddit: "finance"})}}
	pub := &recordingPublisher{err: errors.New("telegram 429")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, NewRunNotificationConsumer(source, pub, logger.Nop()).Start(ctx))

	require.Len(t, source.handled, 1)
	assert.ErrorContains(t, source.handled[0], "telegram 429")
}

func TestRunNotificationConsumer_SourceFailure(t *testing.T) {
	source := &replaySource{err: errors.New("broker gone")}

	err := NewRunNotificationConsumer(source, &recordingPublisher{}, logger.Nop()).Start(context.Background())
	assert.ErrorContains(t, err, "broker gone")
	assert.True(t, source.closed)
}
