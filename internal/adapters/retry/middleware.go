package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"tickerpulse/pkg/errors"
)

// Strategy defines the retry strategy
type Strategy string

const (
	// StrategyExponential uses exponential backoff
	StrategyExponential Strategy = "exponential"
	// StrategyLinear uses linear backoff
	StrategyLinear Strategy = "linear"
	// StrategyFixed uses fixed delay
	StrategyFixed Strategy = "fixed"
)

// Config contains retry configuration
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Strategy     Strategy
	Multiplier   float64
	// Jitter adds a random extra of up to Jitter*delay on top of the computed delay.
	Jitter float64
}

// DefaultConfig returns the forum client defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries:   4,
		InitialDelay: 1250 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Strategy:     StrategyExponential,
		Multiplier:   2.0,
		Jitter:       0.25,
	}
}

// RetryAfterHinter is implemented by errors that carry a server-provided wait
type RetryAfterHinter interface {
	RetryAfter() (time.Duration, bool)
}

// Retryable lets an error decide for itself whether it should be retried
type Retryable interface {
	Retryable() bool
}

// Middleware provides retry functionality with backoff
type Middleware struct {
	config Config
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Option customizes a Middleware
type Option func(*Middleware)

// WithSleep replaces the context-aware sleep; tests use it to record delays
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Middleware) { m.sleep = fn }
}

// WithJitterSource replaces the random source used for jitter (values in [0,1))
func WithJitterSource(fn func() float64) Option {
	return func(m *Middleware) { m.jitter = fn }
}

// New creates a new retry middleware. MaxRetries of 0 means a single attempt.
func New(config Config, opts ...Option) *Middleware {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.Strategy == "" {
		config.Strategy = StrategyExponential
	}

	m := &Middleware{
		config: config,
		sleep:  sleepContext,
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxAttempts returns the total number of attempts Do will make
func (m *Middleware) MaxAttempts() int {
	return m.config.MaxRetries + 1
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
// The attempt index passed to fn starts at 0. The last error is returned unwrapped
// so callers can inspect it.
func (m *Middleware) Do(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == m.config.MaxRetries {
			break
		}

		if err := m.sleep(ctx, m.Delay(attempt, err)); err != nil {
			return errors.Wrap(err, "retry cancelled")
		}
	}

	return lastErr
}

// Delay returns the wait before the next attempt. A Retry-After hint on the
// error takes precedence over the computed backoff.
func (m *Middleware) Delay(attempt int, err error) time.Duration {
	var hinter RetryAfterHinter
	if errors.As(err, &hinter) {
		if d, ok := hinter.RetryAfter(); ok && d >= 0 {
			return d
		}
	}

	delay := m.backoff(attempt)
	if m.config.Jitter > 0 {
		delay += time.Duration(float64(delay) * m.config.Jitter * m.jitter())
	}
	if delay > m.config.MaxDelay {
		delay = m.config.MaxDelay
	}
	return delay
}

// backoff calculates the base delay for an attempt based on the strategy
func (m *Middleware) backoff(attempt int) time.Duration {
	switch m.config.Strategy {
	case StrategyExponential:
		return time.Duration(float64(m.config.InitialDelay) * math.Pow(m.config.Multiplier, float64(attempt)))
	case StrategyLinear:
		return m.config.InitialDelay * time.Duration(1+attempt)
	default:
		return m.config.InitialDelay
	}
}

// IsRetryable determines if an error is worth retrying
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	var httpErr interface{ StatusCode() int }
	if errors.As(err, &httpErr) {
		return IsRetryableStatus(httpErr.StatusCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"connection refused", "connection reset", "broken pipe", "eof", "timeout"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// IsRetryableStatus reports whether an HTTP status belongs to the retryable set
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
