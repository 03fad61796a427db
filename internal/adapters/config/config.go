package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"tickerpulse/pkg/errors"
)

// Config is built once at startup and passed to every component constructor
type Config struct {
	App           AppConfig
	HTTP          HTTPConfig
	Reddit        RedditConfig
	Pull          PullConfig
	Extraction    ExtractionConfig
	Stance        StanceConfig
	Aggregation   AggregationConfig
	Evaluation    EvaluationConfig
	Postgres      PostgresConfig
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Telegram      TelegramConfig
	ErrorTracking ErrorTrackingConfig
	Workers       WorkerConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"tickerpulse"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Version  string `envconfig:"APP_VERSION" default:"dev"`
}

type HTTPConfig struct {
	Addr string `envconfig:"HTTP_ADDR" default:":8080"`
}

// Reddit API modes
const (
	ModeOfficial = "official"
	ModeLegacy   = "legacy"
)

// Proxy rotation modes
const (
	RotationRoundRobin = "round_robin"
	RotationRandom     = "random"
)

type RedditConfig struct {
	Mode         string `envconfig:"REDDIT_MODE" default:"official"`
	ClientID     string `envconfig:"REDDIT_CLIENT_ID"`
	ClientSecret string `envconfig:"REDDIT_CLIENT_SECRET"`
	UserAgent    string `envconfig:"REDDIT_USER_AGENT" default:"tickerpulse/0.1"`
	TokenURL     string `envconfig:"REDDIT_TOKEN_URL" default:"https://www.reddit.com/api/v1/access_token"`
	OAuthHost    string `envconfig:"REDDIT_OAUTH_HOST" default:"oauth.reddit.com"`
	LegacyHosts  string `envconfig:"REDDIT_LEGACY_HOSTS" default:"www.reddit.com,api.reddit.com,old.reddit.com"`
	Scheme       string `envconfig:"REDDIT_SCHEME" default:"https"`

	MinRequestInterval   time.Duration `envconfig:"REDDIT_MIN_REQUEST_INTERVAL" default:"700ms"`
	MaxRequestsPerMinute int           `envconfig:"REDDIT_MAX_REQUESTS_PER_MINUTE" default:"90"`
	MaxInFlight          int64         `envconfig:"REDDIT_MAX_IN_FLIGHT" default:"4"`
	MaxRetries           int           `envconfig:"REDDIT_MAX_RETRIES" default:"4"`
	BackoffBase          time.Duration `envconfig:"REDDIT_BACKOFF_BASE" default:"1250ms"`
	BackoffMax           time.Duration `envconfig:"REDDIT_BACKOFF_MAX" default:"30s"`
	ConnectTimeout       time.Duration `envconfig:"REDDIT_CONNECT_TIMEOUT" default:"3s"`
	ReadTimeout          time.Duration `envconfig:"REDDIT_READ_TIMEOUT" default:"20s"`

	ProxyURLs           string        `envconfig:"REDDIT_PROXY_URLS"`
	ProxyRotation       string        `envconfig:"REDDIT_PROXY_ROTATION" default:"round_robin"`
	ProxyCooldown       time.Duration `envconfig:"REDDIT_PROXY_COOLDOWN" default:"180s"`
	ProxyCooldownMax    time.Duration `envconfig:"REDDIT_PROXY_COOLDOWN_MAX" default:"30m"`
	ProxyDirectFallback bool          `envconfig:"REDDIT_PROXY_DIRECT_FALLBACK" default:"true"`
	BlockStatus         int           `envconfig:"REDDIT_BLOCK_STATUS" default:"403"`

	ThreadLimit         int `envconfig:"REDDIT_THREAD_LIMIT" default:"500"`
	ThreadDepth         int `envconfig:"REDDIT_THREAD_DEPTH" default:"32"`
	MoreChildrenChunk   int `envconfig:"REDDIT_MORECHILDREN_CHUNK_SIZE" default:"100"`
	MoreChildrenBatches int `envconfig:"REDDIT_MORECHILDREN_MAX_BATCHES" default:"40"`
}

// Proxies returns the configured proxy URLs, trimmed and deduplicated in order
func (c RedditConfig) Proxies() []string {
	return splitCSV(c.ProxyURLs)
}

// Hosts returns the hosts used as access paths for the configured mode
func (c RedditConfig) Hosts() []string {
	if c.Mode == ModeLegacy {
		return splitCSV(c.LegacyHosts)
	}
	return []string{c.OAuthHost}
}

type PullConfig struct {
	Subreddits     string        `envconfig:"PULL_SUBREDDITS" default:"wallstreetbets,stocks,investing,finance"`
	Sort           string        `envconfig:"PULL_SORT" default:"top"`
	TimeFilter     string        `envconfig:"PULL_TIME_FILTER" default:"day"`
	Limit          int           `envconfig:"PULL_LIMIT" default:"20"`
	MaxPages       int           `envconfig:"PULL_MAX_PAGES" default:"1"`
	SubredditPause time.Duration `envconfig:"PULL_SUBREDDIT_PAUSE" default:"2s"`
	// Lock held in Redis while a job runs, so only one process pulls at a time
	LockTTL time.Duration `envconfig:"PULL_LOCK_TTL" default:"2h"`
}

// SubredditList returns the configured subreddits in order without duplicates
func (c PullConfig) SubredditList() []string {
	return splitCSV(c.Subreddits)
}

// ClampedLimit keeps the listing page size inside what the API accepts
func (c PullConfig) ClampedLimit() int {
	if c.Limit < 1 {
		return 1
	}
	if c.Limit > 100 {
		return 100
	}
	return c.Limit
}

type ExtractionConfig struct {
	TickersFile  string `envconfig:"EXTRACTION_TICKERS_FILE" default:"data/tickers.csv"`
	SynonymsFile string `envconfig:"EXTRACTION_SYNONYMS_FILE" default:"data/synonyms.json"`
	StoplistFile string `envconfig:"EXTRACTION_STOPLIST_FILE" default:"data/stoplist.json"`
	// Tokens and phrases only accepted with a finance cue nearby
	ContextRequired string `envconfig:"EXTRACTION_CONTEXT_REQUIRED" default:"A,AI,ALL,ARE,BE,CAN,DD,EAT,FOR,FUN,GO,IT,LOVE,NOW,ON,ONE,OPEN,OUT,REAL,SO,TRUE,WELL,target,visa"`
}

// ContextRequiredList returns the context-gated tokens and phrases
func (c ExtractionConfig) ContextRequiredList() []string {
	return splitCSV(c.ContextRequired)
}

// Stance model kinds
const (
	ModelLexicon = "lexicon"
	ModelONNX    = "onnx"
	ModelOpenAI  = "openai"
	ModelGemini  = "gemini"
	ModelNone    = "none"
)

type StanceConfig struct {
	PrimaryModel  string `envconfig:"STANCE_PRIMARY_MODEL" default:"lexicon"`
	FallbackModel string `envconfig:"STANCE_FALLBACK_MODEL" default:"none"`
	ONNXModelPath string `envconfig:"STANCE_ONNX_MODEL_PATH" default:"models/stance.onnx"`
	ONNXLibPath   string `envconfig:"STANCE_ONNX_LIB_PATH"`
	ONNXFeatures  int    `envconfig:"STANCE_ONNX_FEATURES" default:"4096"`

	UnclearThreshold       float64 `envconfig:"STANCE_UNCLEAR_THRESHOLD" default:"0.55"`
	LowConfidenceThreshold float64 `envconfig:"STANCE_LOW_CONFIDENCE_THRESHOLD" default:"0.65"`
	ShortTextLen           int     `envconfig:"STANCE_SHORT_TEXT_LEN" default:"20"`
	InheritParent          bool    `envconfig:"STANCE_INHERIT_PARENT" default:"false"`
	InheritTitle           bool    `envconfig:"STANCE_INHERIT_TITLE" default:"false"`
	AllowContextInference  bool    `envconfig:"STANCE_ALLOW_CONTEXT_INFERENCE" default:"false"`
	EscalateUnclearOnly    bool    `envconfig:"STANCE_ESCALATE_UNCLEAR_ONLY" default:"true"`
	EscalateOnSarcasm      bool    `envconfig:"STANCE_ESCALATE_ON_SARCASM" default:"true"`
	SarcasmCues            string  `envconfig:"STANCE_SARCASM_CUES" default:"/s,sure buddy,what could go wrong,totally not,lmao sure,yeah right,guh"`

	OpenAIKey       string        `envconfig:"OPENAI_API_KEY"`
	OpenAIModel     string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL   string        `envconfig:"OPENAI_BASE_URL"`
	GeminiKey       string        `envconfig:"GEMINI_API_KEY"`
	GeminiModel     string        `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	GeminiBaseURL   string        `envconfig:"GEMINI_BASE_URL"`
	LLMTimeout      time.Duration `envconfig:"LLM_TIMEOUT" default:"12s"`
	LLMMaxRetries   int           `envconfig:"LLM_MAX_RETRIES" default:"2"`
	LLMMaxTokens    int64         `envconfig:"LLM_MAX_OUTPUT_TOKENS" default:"120"`
	InputPrice1M    string        `envconfig:"LLM_INPUT_PRICE_PER_1M" default:"0.15"`
	OutputPrice1M   string        `envconfig:"LLM_OUTPUT_PRICE_PER_1M" default:"0.60"`
	LLMTemperature  float64       `envconfig:"LLM_TEMPERATURE" default:"0"`
	LLMRetryBackoff time.Duration `envconfig:"LLM_RETRY_BACKOFF" default:"1500ms"`
}

// SarcasmCueList returns the lowercased sarcasm cues
func (c StanceConfig) SarcasmCueList() []string {
	cues := splitCSV(c.SarcasmCues)
	for i := range cues {
		cues[i] = strings.ToLower(cues[i])
	}
	return cues
}

type AggregationConfig struct {
	UseDepthDecay bool    `envconfig:"AGG_USE_DEPTH_DECAY" default:"true"`
	LambdaDepth   float64 `envconfig:"AGG_LAMBDA_DEPTH" default:"0.15"`
	UseTimeDecay  bool    `envconfig:"AGG_USE_TIME_DECAY" default:"false"`
	LambdaTime    float64 `envconfig:"AGG_LAMBDA_TIME" default:"0.05"`
	Timezone      string  `envconfig:"AGG_TIMEZONE" default:"Europe/Berlin"`
}

// Location resolves the date-bucket timezone, falling back to UTC
func (c AggregationConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type EvaluationConfig struct {
	DatasetFile string `envconfig:"EVALUATION_DATASET_FILE" default:"data/gold_labels.csv"`
	MaxRows     int    `envconfig:"EVALUATION_MAX_ROWS" default:"2000"`
}

type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"postgres"`
	Password string `envconfig:"POSTGRES_PASSWORD"`
	Database string `envconfig:"POSTGRES_DB" default:"tickerpulse"`
	SSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"POSTGRES_MAX_CONNS" default:"10"`
	Migrate  bool   `envconfig:"POSTGRES_MIGRATE" default:"true"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL is the form golang-migrate expects
func (c PostgresConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

type ClickHouseConfig struct {
	Enabled  bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
	Database string `envconfig:"CLICKHOUSE_DB" default:"tickerpulse"`
}

type RedisConfig struct {
	Enabled  bool   `envconfig:"REDIS_ENABLED" default:"false"`
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Brokers       []string `envconfig:"KAFKA_BROKERS"`
	ProgressTopic string   `envconfig:"KAFKA_PROGRESS_TOPIC" default:"ingest.progress"`
	RunsTopic     string   `envconfig:"KAFKA_RUNS_TOPIC" default:"ingest.runs"`
	NotifierGroup string   `envconfig:"KAFKA_NOTIFIER_GROUP" default:"tickerpulse-notifier"`
}

// Enabled reports whether any broker is configured
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type TelegramConfig struct {
	BotToken      string `envconfig:"TELEGRAM_BOT_TOKEN"`
	ChatID        int64  `envconfig:"TELEGRAM_CHAT_ID"`
	NotifySuccess bool   `envconfig:"TELEGRAM_NOTIFY_SUCCESS" default:"false"`
}

// Enabled reports whether run notifications can be sent
func (c TelegramConfig) Enabled() bool {
	return c.BotToken != "" && c.ChatID != 0
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"false"`
	Provider    string `envconfig:"ERROR_TRACKING_PROVIDER" default:"sentry"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// WorkerConfig holds the intervals of background workers
type WorkerConfig struct {
	PullEnabled  bool          `envconfig:"WORKER_PULL_ENABLED" default:"true"`
	PullInterval time.Duration `envconfig:"WORKER_PULL_INTERVAL" default:"1h"`
}

// Load reads configuration from environment variables.
// A .env file is loaded first when present (.env.test when ENV=test).
func Load() (*Config, error) {
	if os.Getenv("ENV") == "test" {
		_ = godotenv.Load(".env.test")
	}
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	var errs errors.MultiError

	switch c.Reddit.Mode {
	case ModeOfficial:
		if c.Reddit.ClientID == "" {
			errs.Add(errors.NewValidationError("REDDIT_CLIENT_ID", "required in official mode", ""))
		}
	case ModeLegacy:
	default:
		errs.Add(errors.NewValidationError("REDDIT_MODE", "must be official or legacy", c.Reddit.Mode))
	}

	switch c.Reddit.ProxyRotation {
	case RotationRoundRobin, RotationRandom:
	default:
		errs.Add(errors.NewValidationError("REDDIT_PROXY_ROTATION", "must be round_robin or random", c.Reddit.ProxyRotation))
	}

	if c.Reddit.MaxRequestsPerMinute <= 0 {
		errs.Add(errors.NewValidationError("REDDIT_MAX_REQUESTS_PER_MINUTE", "must be positive", c.Reddit.MaxRequestsPerMinute))
	}
	if c.Reddit.MoreChildrenChunk <= 0 {
		errs.Add(errors.NewValidationError("REDDIT_MORECHILDREN_CHUNK_SIZE", "must be positive", c.Reddit.MoreChildrenChunk))
	}
	if c.Reddit.MaxRetries < 0 {
		errs.Add(errors.NewValidationError("REDDIT_MAX_RETRIES", "must not be negative", c.Reddit.MaxRetries))
	}
	if len(c.Pull.SubredditList()) == 0 {
		errs.Add(errors.NewValidationError("PULL_SUBREDDITS", "at least one subreddit required", c.Pull.Subreddits))
	}

	return errs.ToError()
}

func splitCSV(raw string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}
