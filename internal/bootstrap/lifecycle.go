package bootstrap

import (
	"context"
	"sync"
	"time"

	chclient "tickerpulse/internal/adapters/clickhouse"
	"tickerpulse/internal/adapters/kafka"
	pgclient "tickerpulse/internal/adapters/postgres"
	redisclient "tickerpulse/internal/adapters/redis"
	"tickerpulse/internal/api"
	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/internal/services/pulljob"
	"tickerpulse/internal/workers"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

// Lifecycle manages graceful shutdown of components
type Lifecycle struct {
	shutdownTimeout time.Duration
}

// NewLifecycle creates a new lifecycle manager
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		shutdownTimeout: 150 * time.Second,
	}
}

// Components are the parts Shutdown stops. Any of them may be nil.
type Components struct {
	HTTPServer      *api.Server
	WorkerScheduler *workers.Scheduler
	PullJobs        *pulljob.Manager
	Consumers       map[string]*kafka.Consumer
	KafkaProducer   *kafka.Producer
	Models          []sentiment.StanceModel
	PG              *pgclient.Client
	CH              *chclient.Client
	Redis           *redisclient.Client
	ErrorTracker    errors.Tracker
}

// Shutdown stops components in order:
// 1. No new requests accepted
// 2. Scheduled pulls stop
// 3. Running pull job is cancelled and finishes its run record
// 4. Kafka consumers unblock before waiting for goroutines
// 5. Producer closes after the last run event
// 6. Errors and logs flushed
// 7. Database connections last (the pull job writes until step 3 returns)
func (l *Lifecycle) Shutdown(wg *sync.WaitGroup, c Components, log *logger.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer shutdownCancel()

	log.Info("[1/8] Stopping HTTP server...")
	if c.HTTPServer != nil {
		httpCtx, httpCancel := context.WithTimeout(shutdownCtx, 5*time.Second)
		if err := c.HTTPServer.Shutdown(httpCtx); err != nil {
			log.Errorw("HTTP server shutdown failed", "error", err)
		} else {
			log.Info("✓ HTTP server stopped")
		}
		httpCancel()
	}

	log.Info("[2/8] Stopping background workers...")
	if c.WorkerScheduler != nil {
		if err := c.WorkerScheduler.Stop(); err != nil {
			log.Errorw("Workers shutdown failed", "error", err)
		} else {
			log.Info("✓ Workers stopped")
		}
	}

	log.Info("[3/8] Cancelling pull jobs...")
	if c.PullJobs != nil {
		c.PullJobs.Close()
		log.Info("✓ Pull jobs finished")
	}

	log.Info("[4/8] Closing Kafka consumers...")
	l.closeKafkaConsumers(c.Consumers, log)
	l.waitForGoroutines(wg, 5*time.Second, log)

	log.Info("[5/8] Closing Kafka producer...")
	if c.KafkaProducer != nil {
		if err := c.KafkaProducer.Close(); err != nil {
			log.Errorw("Kafka producer close failed", "error", err)
		} else {
			log.Info("✓ Kafka producer closed")
		}
	}

	log.Info("[6/8] Releasing stance models...")
	l.closeModels(c.Models)

	log.Info("[7/8] Flushing error tracker and logs...")
	l.flushErrorTracker(shutdownCtx, c.ErrorTracker, log)
	if err := logger.Sync(); err != nil {
		log.Warn("Log sync completed with warnings")
	}

	log.Info("[8/8] Closing database connections...")
	l.closeDatabases(c.PG, c.CH, c.Redis, log)

	log.Info("✅ Graceful shutdown complete")
}

func (l *Lifecycle) closeKafkaConsumers(consumers map[string]*kafka.Consumer, log *logger.Logger) {
	for name, consumer := range consumers {
		if consumer == nil {
			continue
		}
		if err := consumer.Close(); err != nil {
			log.Errorw("Kafka consumer close failed", "consumer", name, "error", err)
		}
	}
}

// waitForGoroutines waits for all goroutines with a timeout
func (l *Lifecycle) waitForGoroutines(wg *sync.WaitGroup, timeout time.Duration, log *logger.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("✓ All goroutines finished")
	case <-time.After(timeout):
		log.Warnw("⚠ Some goroutines did not finish within timeout", "timeout", timeout)
	}
}

// closeModels releases models holding native sessions (ONNX)
func (l *Lifecycle) closeModels(models []sentiment.StanceModel) {
	for _, m := range models {
		if closer, ok := m.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

func (l *Lifecycle) flushErrorTracker(ctx context.Context, tracker errors.Tracker, log *logger.Logger) {
	if tracker == nil {
		return
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 3*time.Second)
	defer flushCancel()

	if err := tracker.Flush(flushCtx); err != nil {
		log.Errorw("Error tracker flush failed", "error", err)
	}
}

func (l *Lifecycle) closeDatabases(
	pgClient *pgclient.Client,
	chClient *chclient.Client,
	redisClient *redisclient.Client,
	log *logger.Logger,
) {
	var dbErrors errors.MultiError

	if pgClient != nil {
		if err := pgClient.Close(); err != nil {
			dbErrors.Add(errors.Wrap(err, "postgres"))
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			dbErrors.Add(errors.Wrap(err, "clickhouse"))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			dbErrors.Add(errors.Wrap(err, "redis"))
		}
	}

	if err := dbErrors.ToError(); err != nil {
		log.Errorw("Database close errors", "error", err)
	} else {
		log.Info("✓ Database connections closed")
	}
}
