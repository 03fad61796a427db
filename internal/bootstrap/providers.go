package bootstrap

import (
	"context"
	"time"

	chclient "tickerpulse/internal/adapters/clickhouse"
	"tickerpulse/internal/adapters/config"
	errnoop "tickerpulse/internal/adapters/errors/noop"
	"tickerpulse/internal/adapters/errors/sentry"
	"tickerpulse/internal/adapters/kafka"
	pgclient "tickerpulse/internal/adapters/postgres"
	"tickerpulse/internal/adapters/reddit"
	redisclient "tickerpulse/internal/adapters/redis"
	"tickerpulse/internal/adapters/stancemodel"
	"tickerpulse/internal/adapters/telegram"
	"tickerpulse/internal/api"
	"tickerpulse/internal/api/health"
	"tickerpulse/internal/consumers"
	"tickerpulse/internal/metrics"
	chrepo "tickerpulse/internal/repository/clickhouse"
	pgrepo "tickerpulse/internal/repository/postgres"
	redisrepo "tickerpulse/internal/repository/redis"
	"tickerpulse/internal/services/aggregation"
	"tickerpulse/internal/services/evaluation"
	"tickerpulse/internal/services/extraction"
	"tickerpulse/internal/services/ingestion"
	"tickerpulse/internal/services/pulljob"
	"tickerpulse/internal/services/stance"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

// ========================================
// Phase 1: Configuration & Logging
// ========================================

// MustInitConfig loads configuration and initializes logger
func (c *Container) MustInitConfig() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	c.Config = cfg

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}

	c.Log = logger.Get()
	c.Log.Infof("Starting %s %s in %s mode", cfg.App.Name, cfg.App.Version, cfg.App.Env)

	metrics.Init()

	c.ErrorTracker = provideErrorTracker(cfg, c.Log)
	logger.SetErrorTracker(c.ErrorTracker)
}

// ========================================
// Phase 2: Infrastructure Layer
// ========================================

// MustInitInfrastructure connects data stores. Postgres is required;
// ClickHouse and Redis only when enabled.
func (c *Container) MustInitInfrastructure() {
	var err error

	c.Log.Info("Connecting to PostgreSQL...")
	c.PG, err = pgclient.NewClient(c.Context, c.Config.Postgres)
	if err != nil {
		c.Log.Fatalf("failed to connect postgres: %v", err)
	}
	if c.Config.Postgres.Migrate {
		if err := pgclient.Migrate(c.Config.Postgres, c.Log); err != nil {
			c.Log.Fatalf("failed to migrate postgres: %v", err)
		}
	}
	c.Log.Info("✓ PostgreSQL connected")

	if c.Config.ClickHouse.Enabled {
		c.Log.Info("Connecting to ClickHouse...")
		c.CH, err = chclient.NewClient(c.Config.ClickHouse)
		if err != nil {
			c.Log.Fatalf("failed to connect clickhouse: %v", err)
		}
		c.Log.Info("✓ ClickHouse connected")
	}

	if c.Config.Redis.Enabled {
		c.Log.Info("Connecting to Redis...")
		c.Redis, err = redisclient.NewClient(c.Config.Redis)
		if err != nil {
			c.Log.Fatalf("failed to connect redis: %v", err)
		}
		c.Log.Info("✓ Redis connected")
	}
}

// ========================================
// Phase 3: Repositories
// ========================================

// MustInitRepositories initializes storage access
func (c *Container) MustInitRepositories() {
	c.Repos.Forums = pgrepo.NewForumRepository(c.PG.DB())
	c.Repos.Metrics = pgrepo.NewMetricsRepository(c.PG.DB())

	if c.CH != nil {
		c.Repos.History = chrepo.NewMetricsSink(c.CH.Conn(), chrepo.DefaultMetricsTable)
		ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
		defer cancel()
		if err := c.Repos.History.EnsureSchema(ctx); err != nil {
			c.Log.Fatalf("failed to prepare metrics history table: %v", err)
		}
	}

	if c.Redis != nil {
		c.Repos.Tokens = redisrepo.NewTokenStore(c.Redis.Client())
	}

	c.Log.Info("✓ Repositories initialized")
}

// ========================================
// Phase 4: External Adapters
// ========================================

// MustInitAdapters initializes Reddit, Kafka and Telegram
func (c *Container) MustInitAdapters() {
	var err error

	var store reddit.TokenStore
	if c.Repos.Tokens != nil {
		store = c.Repos.Tokens
	}
	c.Adapters.Reddit, err = reddit.New(c.Config.Reddit, store, c.Log)
	if err != nil {
		c.Log.Fatalf("failed to create reddit client: %v", err)
	}
	c.Log.Infow("✓ Reddit client initialized", "mode", c.Config.Reddit.Mode)

	if c.Config.Kafka.Enabled() {
		c.Adapters.KafkaProducer = provideKafkaProducer(c.Config, c.Log)
		c.Adapters.RunEvents = kafka.NewRunEvents(c.Adapters.KafkaProducer, c.Config.Kafka.ProgressTopic, c.Config.Kafka.RunsTopic)
	} else {
		c.Log.Info("Kafka disabled, run events are not published")
	}

	if c.Config.Telegram.Enabled() {
		c.Adapters.TelegramBot, err = telegram.NewBot(telegram.Config{Token: c.Config.Telegram.BotToken}, c.Log)
		if err != nil {
			c.Log.Fatalf("failed to create telegram bot: %v", err)
		}
		c.Adapters.RunNotifier = telegram.NewRunNotifier(c.Adapters.TelegramBot, c.Config.Telegram.ChatID, c.Config.Telegram.NotifySuccess)
		c.Log.Info("✓ Telegram notifier initialized")
	}
}

// ========================================
// Phase 5: Services
// ========================================

// MustInitClassifier builds the extractor, the stance models and the
// cascade. It needs configuration only.
func (c *Container) MustInitClassifier() {
	universe, err := extraction.LoadUniverse(c.Config.Extraction)
	if err != nil {
		c.Log.Fatalf("failed to load ticker universe: %v", err)
	}
	c.Services.Extractor = extraction.NewExtractor(universe)

	c.Adapters.PrimaryModel, c.Adapters.FallbackModel = stancemodel.Build(c.Context, c.Config.Stance, c.Log)
	c.Services.Stance = stance.NewService(
		c.Config.Stance,
		c.Services.Extractor,
		c.Adapters.PrimaryModel,
		c.Adapters.FallbackModel,
		c.ErrorTracker,
		c.Log,
	)
	c.Services.Evaluation = evaluation.NewService(c.Services.Stance, c.Log)

	c.Log.Info("✓ Classifier initialized")
}

// MustInitServices initializes the pull pipeline
func (c *Container) MustInitServices() {
	c.MustInitClassifier()

	c.Services.Aggregation = aggregation.NewEngine(c.Config.Aggregation)

	deps := ingestion.Deps{
		Reddit:   c.Adapters.Reddit,
		Analyzer: c.Services.Stance,
		Forums:   c.Repos.Forums,
		Metrics:  c.Repos.Metrics,
		Engine:   c.Services.Aggregation,
		Tracker:  c.ErrorTracker,
	}
	if c.Repos.History != nil {
		deps.History = c.Repos.History
	}
	if c.Adapters.RunEvents != nil {
		deps.ProgressSinks = append(deps.ProgressSinks, c.Adapters.RunEvents)
		deps.Publishers = append(deps.Publishers, c.Adapters.RunEvents)
	}
	// With Kafka the notifier consumes the runs topic instead
	if c.Adapters.RunNotifier != nil && c.Adapters.RunEvents == nil {
		deps.Publishers = append(deps.Publishers, c.Adapters.RunNotifier)
	}
	c.Services.Ingestion = ingestion.NewService(c.Config.Pull, c.Config.Reddit, deps, c.Log)

	var locker pulljob.Locker
	if c.Redis != nil {
		locker = c.Redis
	}
	c.Services.PullJobs = pulljob.NewManager(c.Config.Pull, c.Services.Ingestion, locker, c.Log)

	c.Log.Infow("✓ Services initialized", "subreddits", c.Config.Pull.SubredditList())
}

// ========================================
// Phase 6: Background Processing
// ========================================

// MustInitBackground initializes workers and event consumers
func (c *Container) MustInitBackground() {
	c.Background.WorkerScheduler = provideWorkers(c.Config, c.Services.PullJobs, c.Log)

	if c.Adapters.RunEvents != nil && c.Adapters.RunNotifier != nil {
		c.Adapters.RunsConsumer = provideKafkaConsumer(c.Config, c.Config.Kafka.RunsTopic, c.Config.Kafka.NotifierGroup, c.Log)
		c.Background.RunNotifications = consumers.NewRunNotificationConsumer(c.Adapters.RunsConsumer, c.Adapters.RunNotifier, c.Log)
	}

	c.Log.Info("✓ Background processing initialized")
}

// ========================================
// Phase 7: Application Layer
// ========================================

// MustInitApplication initializes the HTTP server
func (c *Container) MustInitApplication() {
	deps := map[string]health.Pinger{"postgres": c.PG}
	if c.CH != nil {
		deps["clickhouse"] = c.CH
	}
	if c.Redis != nil {
		deps["redis"] = c.Redis
	}
	c.Application.HealthHandler = health.New(c.Log, deps, c.Config.App.Name, c.Config.App.Version)

	c.Application.HTTPServer = provideHTTPServer(c.Config, c.Application.HealthHandler, &api.Handler{
		Jobs:    c.Services.PullJobs,
		Runs:    c.Repos.Forums,
		Metrics: c.Repos.Metrics,
		Workers: c.Background.WorkerScheduler,
		Log:     c.Log,
	}, c.Log)

	c.Log.Info("✓ Application layer initialized")
}

// ========================================
// Providers
// ========================================

func provideErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return errnoop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment, cfg.App.Version)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return errnoop.New()
	}

	log.Info("✓ Error tracking initialized (Sentry)")
	return tracker
}

func provideKafkaProducer(cfg *config.Config, log *logger.Logger) *kafka.Producer {
	log.Infow("Initializing Kafka producer...", "brokers", cfg.Kafka.Brokers)
	producer := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers}, log)
	log.Info("✓ Kafka producer initialized")
	return producer
}

func provideKafkaConsumer(cfg *config.Config, topic, group string, log *logger.Logger) *kafka.Consumer {
	log.Infow("Initializing Kafka consumer", "topic", topic, "group", group)
	return kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		GroupID: group,
		Topic:   topic,
	}, log)
}

func provideHTTPServer(cfg *config.Config, healthHandler *health.Handler, handler *api.Handler, log *logger.Logger) *api.Server {
	return api.NewServer(api.ServerConfig{
		Addr:        cfg.HTTP.Addr,
		ServiceName: cfg.App.Name,
		Version:     cfg.App.Version,
	}, healthHandler, handler, log)
}
