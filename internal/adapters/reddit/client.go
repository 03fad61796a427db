package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/adapters/retry"
	"tickerpulse/internal/metrics"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

// Listing sorts accepted by the forum API
const (
	SortTop           = "top"
	SortControversial = "controversial"
	SortNew           = "new"
	SortHot           = "hot"
	SortRising        = "rising"
)

const maxBodyBytes = 32 << 20

// statusError is a non-2xx response from the forum API
type statusError struct {
	code       int
	path       string
	retryAfter time.Duration
	hasHint    bool
	refresh    bool
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d from %s", e.code, e.path)
}

func (e *statusError) StatusCode() int { return e.code }

func (e *statusError) RetryAfter() (time.Duration, bool) { return e.retryAfter, e.hasHint }

// Retryable covers the retryable status set plus the single 401 retry that
// follows a forced token refresh.
func (e *statusError) Retryable() bool {
	return e.refresh || retry.IsRetryableStatus(e.code)
}

// Client is the resilient forum API client. It combines the rate/auth gate,
// the multi-path transport and retry with backoff, and caches successful
// responses until ResetCache is called at the start of the next pull cycle.
type Client struct {
	cfg       config.RedditConfig
	gate      *Gate
	transport *Transport
	retry     *retry.Middleware
	inflight  *semaphore.Weighted

	cacheMu sync.RWMutex
	cache   map[string]json.RawMessage

	log *logger.Logger
}

// NewClient wires a client from already-built gate and transport
func NewClient(cfg config.RedditConfig, gate *Gate, transport *Transport, log *logger.Logger, opts ...retry.Option) *Client {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.MaxRetries
	if cfg.BackoffBase > 0 {
		retryCfg.InitialDelay = cfg.BackoffBase
	}
	if cfg.BackoffMax > 0 {
		retryCfg.MaxDelay = cfg.BackoffMax
	}

	return &Client{
		cfg:       cfg,
		gate:      gate,
		transport: transport,
		retry:     retry.New(retryCfg, opts...),
		inflight:  semaphore.NewWeighted(maxInFlight),
		cache:     make(map[string]json.RawMessage),
		log:       log.Component("reddit_client"),
	}
}

// ResetCache drops every cached response. Called once at the start of each cycle.
func (c *Client) ResetCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache = make(map[string]json.RawMessage)
}

// Listing fetches one page of a subreddit listing. The time filter is only
// sent for sorts that support it.
func (c *Client) Listing(ctx context.Context, subreddit, sort, timeFilter string, limit int, after string) (json.RawMessage, error) {
	sort = strings.ToLower(strings.TrimSpace(sort))
	params := url.Values{
		"limit":    {strconv.Itoa(limit)},
		"raw_json": {"1"},
	}
	switch sort {
	case SortTop, SortControversial:
		params.Set("t", timeFilter)
	case SortNew, SortHot, SortRising:
	default:
		return nil, errors.NewValidationError("sort", "unsupported listing sort", sort)
	}
	if after != "" {
		params.Set("after", after)
	}
	return c.Get(ctx, fmt.Sprintf("/r/%s/%s", subreddit, sort), params)
}

// Thread fetches a submission with its comment tree
func (c *Client) Thread(ctx context.Context, postID string) (json.RawMessage, error) {
	params := url.Values{
		"limit":    {strconv.Itoa(c.cfg.ThreadLimit)},
		"depth":    {strconv.Itoa(c.cfg.ThreadDepth)},
		"sort":     {"confidence"},
		"raw_json": {"1"},
	}
	return c.Get(ctx, "/comments/"+postID, params)
}

// MoreChildren resolves a batch of truncated child comment ids
func (c *Client) MoreChildren(ctx context.Context, postID string, ids []string) (json.RawMessage, error) {
	params := url.Values{
		"link_id":  {"t3_" + postID},
		"children": {strings.Join(ids, ",")},
		"api_type": {"json"},
		"sort":     {"confidence"},
		"raw_json": {"1"},
	}
	return c.Get(ctx, "/api/morechildren", params)
}

// Get performs an idempotent read with caching, rate limiting, auth and retry.
// A terminal failure is returned as *errors.FetchError.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	key := cacheKey(path, params)
	if payload, ok := c.cached(key); ok {
		metrics.RecordCacheHit()
		return payload, nil
	}

	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "wait for in-flight slot")
	}
	defer c.inflight.Release(1)

	endpoint := endpointLabel(path)
	start := time.Now()
	defer func() { metrics.RecordFetchLatency(endpoint, time.Since(start)) }()

	var (
		payload    json.RawMessage
		attempts   int
		refreshed  bool
		forceToken bool
	)

	err := c.retry.Do(ctx, func(attempt int) error {
		attempts = attempt + 1
		if attempt > 0 {
			metrics.RecordRetry(endpoint)
		}
		if err := c.gate.Acquire(ctx); err != nil {
			return err
		}

		force := forceToken
		forceToken = false
		resp, p, err := c.transport.Send(ctx, func(ctx context.Context, p *Path) (*http.Request, error) {
			return c.newRequest(ctx, p, path, params, force)
		})
		if err != nil {
			metrics.RecordFetch(endpoint, 0)
			c.log.Debugw("fetch attempt failed", "path", path, "attempt", attempts, "error", err)
			return err
		}
		defer resp.Body.Close()
		metrics.RecordFetch(endpoint, resp.StatusCode)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			if err != nil {
				return errors.Wrapf(err, "read body via %s", p.Name)
			}
			if !json.Valid(body) {
				return errors.Wrapf(errors.ErrUpstreamShape, "invalid json from %s", path)
			}
			payload = body
			return nil
		}

		se := &statusError{code: resp.StatusCode, path: path}
		se.retryAfter, se.hasHint = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		if resp.StatusCode == http.StatusUnauthorized && c.official() && !refreshed {
			refreshed = true
			forceToken = true
			se.refresh = true
			se.retryAfter, se.hasHint = 0, true
		}
		c.log.Debugw("fetch attempt rejected", "path", path, "status", resp.StatusCode, "via", p.Name, "attempt", attempts)
		return se
	})

	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "fetch %s", path)
		}
		status := 0
		var se *statusError
		if errors.As(err, &se) {
			status = se.code
		}
		c.log.Warnw("fetch failed", "path", path, "status", status, "attempts", attempts, "error", err)
		return nil, &errors.FetchError{Path: path, Status: status, Attempts: attempts, Err: err}
	}

	c.store(key, payload)
	return payload, nil
}

func (c *Client) official() bool {
	return c.cfg.Mode != config.ModeLegacy
}

func (c *Client) newRequest(ctx context.Context, p *Path, path string, params url.Values, forceToken bool) (*http.Request, error) {
	if !c.official() {
		path += ".json"
	}
	u := url.URL{
		Scheme:   c.cfg.Scheme,
		Host:     p.Host,
		Path:     path,
		RawQuery: params.Encode(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	if c.official() {
		token, err := c.gate.TokenFor(ctx, p, forceToken)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "bearer "+token)
	}
	return req, nil
}

func (c *Client) cached(key string) (json.RawMessage, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	payload, ok := c.cache[key]
	return payload, ok
}

func (c *Client) store(key string, payload json.RawMessage) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache[key] = payload
}

// cacheKey normalizes path and params; Encode sorts parameters by key
func cacheKey(path string, params url.Values) string {
	return strings.TrimSuffix(path, "/") + "?" + params.Encode()
}

func endpointLabel(path string) string {
	path = strings.TrimSuffix(path, ".json")
	switch {
	case strings.HasPrefix(path, "/api/morechildren"):
		return "morechildren"
	case strings.HasPrefix(path, "/comments/"):
		return "thread"
	case strings.HasPrefix(path, "/r/"):
		return "listing"
	default:
		return "other"
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// New builds the gate, transport and client from configuration. store may be nil.
func New(cfg config.RedditConfig, store TokenStore, log *logger.Logger) (*Client, error) {
	transport, err := NewTransport(cfg, log)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, NewGate(cfg, store, log), transport, log), nil
}
