package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

type mockWorker struct {
	*BaseWorker
	runCount int32
	runFunc  func(ctx context.Context) error
}

func newMockWorker(name string, interval time.Duration, enabled bool) *mockWorker {
	return &mockWorker{
		BaseWorker: NewBaseWorker(name, interval, enabled, logger.Nop()),
	}
}

func (m *mockWorker) Run(ctx context.Context) error {
	atomic.AddInt32(&m.runCount, 1)
	if m.runFunc != nil {
		return m.runFunc(ctx)
	}
	return nil
}

func (m *mockWorker) runs() int {
	return int(atomic.LoadInt32(&m.runCount))
}

func TestScheduler_StartStop(t *testing.T) {
	scheduler := NewScheduler(logger.Nop())

	worker := newMockWorker("pull", 50*time.Millisecond, true)
	scheduler.RegisterWorker(worker)

	require.NoError(t, scheduler.Start(context.Background()))
	assert.True(t, scheduler.IsRunning())

	require.Eventually(t, func() bool { return worker.runs() >= 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, scheduler.Stop())
	assert.False(t, scheduler.IsRunning())
}

func TestScheduler_StartTwice(t *testing.T) {
	scheduler := NewScheduler(logger.Nop())
	require.NoError(t, scheduler.Start(context.Background()))
	assert.Error(t, scheduler.Start(context.Background()))
	require.NoError(t, scheduler.Stop())
	assert.Error(t, scheduler.Stop())
}

func TestScheduler_DisabledWorker(t *testing.T) {
	scheduler := NewScheduler(logger.Nop())

	enabled := newMockWorker("enabled", 50*time.Millisecond, true)
	disabled := newMockWorker("disabled", 50*time.Millisecond, false)
	scheduler.RegisterWorker(enabled)
	scheduler.RegisterWorker(disabled)

	require.NoError(t, scheduler.Start(context.Background()))
	require.Eventually(t, func() bool { return enabled.runs() >= 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, scheduler.Stop())

	assert.Zero(t, disabled.runs())
}

func TestScheduler_RecordsHealth(t *testing.T) {
	scheduler := NewScheduler(logger.Nop())

	failing := newMockWorker("failing", time.Hour, true)
	failing.runFunc = func(context.Context) error { return errors.New("reddit unreachable") }
	panicking := newMockWorker("panicking", time.Hour, true)
	panicking.runFunc = func(context.Context) error { panic("boom") }
	healthy := newMockWorker("healthy", time.Hour, true)

	scheduler.RegisterWorker(failing)
	scheduler.RegisterWorker(panicking)
	scheduler.RegisterWorker(healthy)

	require.NoError(t, scheduler.Start(context.Background()))
	require.Eventually(t, func() bool {
		h := scheduler.Health()
		return h["failing"].RunCount == 1 && h["panicking"].RunCount == 1 && h["healthy"].RunCount == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, scheduler.Stop())

	h := scheduler.Health()
	assert.Equal(t, int64(1), h["failing"].ErrorCount)
	assert.Equal(t, "reddit unreachable", h["failing"].LastError)
	assert.Equal(t, int64(1), h["panicking"].ErrorCount)
	assert.Contains(t, h["panicking"].LastError, "boom")
	assert.Zero(t, h["healthy"].ErrorCount)
	assert.Empty(t, h["healthy"].LastError)
	assert.True(t, h["healthy"].Enabled)
}

func TestScheduler_ContextCancellation(t *testing.T) {
	scheduler := NewScheduler(logger.Nop())
	worker := newMockWorker("pull", 20*time.Millisecond, true)
	scheduler.RegisterWorker(worker)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, scheduler.Start(ctx))
	require.Eventually(t, func() bool { return worker.runs() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, scheduler.Stop())
	n := worker.runs()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, worker.runs())
}

func TestScheduler_RegisterAfterStartIgnored(t *testing.T) {
	scheduler := NewScheduler(logger.Nop())
	require.NoError(t, scheduler.Start(context.Background()))
	scheduler.RegisterWorker(newMockWorker("late", time.Hour, true))
	require.NoError(t, scheduler.Stop())

	assert.Empty(t, scheduler.Health())
}
