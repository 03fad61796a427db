package bootstrap

import (
	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/services/pulljob"
	"tickerpulse/internal/workers"
	sentimentworkers "tickerpulse/internal/workers/sentiment"
	"tickerpulse/pkg/logger"
)

// provideWorkers initializes all background workers
func provideWorkers(cfg *config.Config, jobs *pulljob.Manager, log *logger.Logger) *workers.Scheduler {
	log.Info("Initializing workers...")

	scheduler := workers.NewScheduler(log)

	scheduler.RegisterWorker(sentimentworkers.NewPullWorker(
		jobs,
		cfg.Workers.PullInterval,
		cfg.Workers.PullEnabled,
		log,
	))

	log.Infow("✓ Workers registered",
		"pull_enabled", cfg.Workers.PullEnabled,
		"pull_interval", cfg.Workers.PullInterval,
	)
	return scheduler
}
