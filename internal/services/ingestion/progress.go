package ingestion

import (
	"context"
	"sync"

	"tickerpulse/internal/domain/forum"
	"tickerpulse/pkg/logger"
)

// ProgressFunc observes pull-cycle checkpoints
type ProgressFunc func(forum.Progress)

// ProgressSink receives progress checkpoints, for example a message bus
type ProgressSink interface {
	PublishProgress(ctx context.Context, p forum.Progress) error
}

// emitter fans a checkpoint out to the caller's observer and the sinks.
// Observer panics and sink errors are logged and never reach the pull.
type emitter struct {
	mu       sync.Mutex
	state    forum.Progress
	observer ProgressFunc
	sinks    []ProgressSink
	log      *logger.Logger
}

func newEmitter(state forum.Progress, observer ProgressFunc, sinks []ProgressSink, log *logger.Logger) *emitter {
	return &emitter{state: state, observer: observer, sinks: sinks, log: log}
}

// emit applies update to the running state under the lock and publishes a copy
func (e *emitter) emit(ctx context.Context, phase forum.Phase, update func(p *forum.Progress)) {
	e.mu.Lock()
	e.state.Phase = phase
	if update != nil {
		update(&e.state)
	}
	snapshot := e.state
	e.mu.Unlock()

	e.notify(snapshot)
	for _, sink := range e.sinks {
		if err := sink.PublishProgress(ctx, snapshot); err != nil {
			e.log.Debugw("Progress sink failed", "phase", phase, "error", err)
		}
	}
}

func (e *emitter) notify(p forum.Progress) {
	if e.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Warnw("Progress observer panicked", "phase", p.Phase, "panic", r)
		}
	}()
	e.observer(p)
}
