package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerpulse/internal/domain/forum"
	"tickerpulse/pkg/logger"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newTestProducer() (*Producer, map[string]*fakeWriter) {
	writers := map[string]*fakeWriter{}
	p := NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}}, logger.Nop())
	p.newWriter = func(topic string) MessageWriter {
		w := &fakeWriter{}
		writers[topic] = w
		return w
	}
	return p, writers
}

func TestRunEvents_Publish(t *testing.T) {
	p, writers := newTestProducer()
	events := NewRunEvents(p, "", "")
	ctx := context.Background()

	total := 3
	progress := forum.Progress{RunID: uuid.New(), Subreddit: "stocks", Phase: forum.PhaseListingComplete, TotalSubmissions: &total}
	require.NoError(t, events.PublishProgress(ctx, progress))
	require.NoError(t, events.PublishRun(ctx, forum.PullRun{ID: progress.RunID, Subreddit: "stocks", Status: forum.RunSuccess}))
	require.NoError(t, events.PublishProgress(ctx, progress))

	require.Contains(t, writers, TopicIngestProgress)
	require.Contains(t, writers, TopicIngestRuns)
	assert.Len(t, writers[TopicIngestProgress].msgs, 2, "writer is reused per topic")

	msg := writers[TopicIngestProgress].msgs[0]
	assert.Equal(t, progress.RunID.String(), string(msg.Key))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "listing_complete", decoded["phase"])
	assert.Equal(t, float64(3), decoded["total_submissions"])
	assert.Nil(t, decoded["current_submission_id"])

	assert.Equal(t, "stocks", string(writers[TopicIngestRuns].msgs[0].Key))

	require.NoError(t, p.Close())
	assert.True(t, writers[TopicIngestRuns].closed)
}

func TestProducer_PublishError(t *testing.T) {
	p, _ := newTestProducer()
	p.newWriter = func(string) MessageWriter { return &fakeWriter{err: errors.New("broker down")} }

	err := p.Publish(context.Background(), "t", "k", map[string]int{"a": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish to t")
}

type fakeReader struct {
	msgs []kafka.Message
	errs []error
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return kafka.Message{}, err
	}
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_ConsumeSurvivesFailures(t *testing.T) {
	reader := &fakeReader{
		errs: []error{errors.New("rebalance")},
		msgs: []kafka.Message{{Key: []byte("a")}, {Key: []byte("b")}, {Key: []byte("c")}},
	}
	c := &Consumer{reader: reader, log: logger.Nop()}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var seen []string
	err := c.Consume(ctx, func(_ context.Context, msg kafka.Message) error {
		seen = append(seen, string(msg.Key))
		if len(seen) == 3 {
			cancel()
		}
		if string(msg.Key) == "b" {
			return errors.New("bad payload")
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}
