package bootstrap

import (
	"context"
	"sync"

	chclient "tickerpulse/internal/adapters/clickhouse"
	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/adapters/kafka"
	pgclient "tickerpulse/internal/adapters/postgres"
	"tickerpulse/internal/adapters/reddit"
	redisclient "tickerpulse/internal/adapters/redis"
	"tickerpulse/internal/adapters/telegram"
	"tickerpulse/internal/api"
	"tickerpulse/internal/api/health"
	"tickerpulse/internal/consumers"
	"tickerpulse/internal/domain/sentiment"
	chrepo "tickerpulse/internal/repository/clickhouse"
	pgrepo "tickerpulse/internal/repository/postgres"
	redisrepo "tickerpulse/internal/repository/redis"
	"tickerpulse/internal/services/aggregation"
	"tickerpulse/internal/services/evaluation"
	"tickerpulse/internal/services/extraction"
	"tickerpulse/internal/services/ingestion"
	"tickerpulse/internal/services/pulljob"
	"tickerpulse/internal/services/stance"
	"tickerpulse/internal/workers"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

// Container holds all application dependencies and their lifecycle
// Components are organized in initialization order
type Container struct {
	// Core configuration & logging
	Config       *config.Config
	Log          *logger.Logger
	ErrorTracker errors.Tracker

	// Data stores. CH and Redis are nil when disabled.
	PG    *pgclient.Client
	CH    *chclient.Client
	Redis *redisclient.Client

	Repos       *Repositories
	Adapters    *Adapters
	Services    *Services
	Application *Application
	Background  *Background

	// Lifecycle management
	Lifecycle *Lifecycle
	WG        *sync.WaitGroup
	Context   context.Context
	Cancel    context.CancelFunc
}

// Repositories groups storage access
type Repositories struct {
	Forums  *pgrepo.ForumRepository
	Metrics *pgrepo.MetricsRepository
	History *chrepo.MetricsSink   // nil without ClickHouse
	Tokens  *redisrepo.TokenStore // nil without Redis
}

// Adapters groups external systems
type Adapters struct {
	Reddit        *reddit.Client
	PrimaryModel  sentiment.StanceModel
	FallbackModel sentiment.StanceModel

	// Kafka, nil when no brokers are configured
	KafkaProducer *kafka.Producer
	RunEvents     *kafka.RunEvents
	RunsConsumer  *kafka.Consumer

	// Telegram, nil when no bot token or chat is configured
	TelegramBot *telegram.Bot
	RunNotifier *telegram.RunNotifier
}

// Services groups the pipeline services
type Services struct {
	Extractor   *extraction.Extractor
	Stance      *stance.Service
	Aggregation *aggregation.Engine
	Ingestion   *ingestion.Service
	PullJobs    *pulljob.Manager
	Evaluation  *evaluation.Service
}

// Application groups the HTTP surface
type Application struct {
	HTTPServer    *api.Server
	HealthHandler *health.Handler
}

// Background groups scheduled workers and event consumers
type Background struct {
	WorkerScheduler  *workers.Scheduler
	RunNotifications *consumers.RunNotificationConsumer // nil unless Kafka and Telegram are both enabled
}

// NewContainer creates a new dependency container
func NewContainer() *Container {
	ctx, cancel := context.WithCancel(context.Background())

	return &Container{
		Repos:       &Repositories{},
		Adapters:    &Adapters{},
		Services:    &Services{},
		Application: &Application{},
		Background:  &Background{},
		Lifecycle:   NewLifecycle(),
		WG:          &sync.WaitGroup{},
		Context:     ctx,
		Cancel:      cancel,
	}
}

// MustInit initializes the long-running service in the correct order.
// Panics on any initialization error (fail-fast at startup).
func (c *Container) MustInit() {
	c.MustInitPipeline()
	c.MustInitBackground()
	c.MustInitApplication()
}

// MustInitPipeline initializes everything a pull cycle needs, without the
// HTTP server or background processing
func (c *Container) MustInitPipeline() {
	c.MustInitConfig()
	c.MustInitInfrastructure()
	c.MustInitRepositories()
	c.MustInitAdapters()
	c.MustInitServices()
}

// Start starts all background components
func (c *Container) Start() error {
	c.Log.Info("Starting all systems...")

	if err := c.Background.WorkerScheduler.Start(c.Context); err != nil {
		return errors.Wrap(err, "failed to start workers")
	}

	c.startConsumers()

	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		if err := c.Application.HTTPServer.Start(); err != nil {
			c.Log.Errorw("HTTP server failed", "error", err)
			c.Cancel() // Trigger shutdown on fatal HTTP error
		}
	}()

	c.Log.Info("✓ All systems operational")
	return nil
}

// startConsumers starts Kafka consumers in background goroutines
func (c *Container) startConsumers() {
	if c.Background.RunNotifications == nil {
		c.Log.Info("Run notification consumer disabled")
		return
	}

	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		if err := c.Background.RunNotifications.Start(c.Context); err != nil && c.Context.Err() == nil {
			c.Log.Errorw("run_notifications consumer failed", "error", err)
		}
	}()
	c.Log.Infow("✓ Event consumers started", "consumers", []string{"run_notifications"})
}

// Shutdown performs graceful shutdown in the correct order. It is safe on
// a container initialized with MustInitPipeline only.
func (c *Container) Shutdown() {
	c.Log.Info("Initiating graceful shutdown...")

	c.Cancel()

	c.Lifecycle.Shutdown(c.WG, Components{
		HTTPServer:      c.Application.HTTPServer,
		WorkerScheduler: c.Background.WorkerScheduler,
		PullJobs:        c.Services.PullJobs,
		Consumers:       map[string]*kafka.Consumer{"run_notifications": c.Adapters.RunsConsumer},
		KafkaProducer:   c.Adapters.KafkaProducer,
		Models:          []sentiment.StanceModel{c.Adapters.PrimaryModel, c.Adapters.FallbackModel},
		PG:              c.PG,
		CH:              c.CH,
		Redis:           c.Redis,
		ErrorTracker:    c.ErrorTracker,
	}, c.Log)
}
