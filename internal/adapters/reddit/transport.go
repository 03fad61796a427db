package reddit

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/metrics"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

// Path is one interchangeable way of reaching the forum API: a route (direct or
// through a proxy) combined with a host.
type Path struct {
	Name   string
	Route  string
	Host   string
	Client *http.Client

	failures      int
	cooldownUntil time.Time
}

// RequestBuilder builds the request for a concrete path. It is called once per
// path tried, so per-path state like auth headers can differ.
type RequestBuilder func(ctx context.Context, p *Path) (*http.Request, error)

// Transport routes requests over several access paths with per-path cooldown
type Transport struct {
	mu           sync.Mutex
	paths        []*Path
	rotation     string
	next         int
	baseCooldown time.Duration
	maxCooldown  time.Duration
	blockStatus  int
	now          func() time.Time
	shuffle      func(n int, swap func(i, j int))
	log          *logger.Logger
}

// NewTransport builds one path per (route, host) pair. Routes are the configured
// proxies, followed by a direct route when there are no proxies or direct
// fallback is enabled.
func NewTransport(cfg config.RedditConfig, log *logger.Logger) (*Transport, error) {
	type route struct {
		name  string
		proxy *url.URL
	}

	var routes []route
	for _, raw := range cfg.Proxies() {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, errors.NewValidationError("REDDIT_PROXY_URLS", "invalid proxy url", raw)
		}
		routes = append(routes, route{name: "proxy:" + u.Host, proxy: u})
	}
	if len(routes) == 0 || cfg.ProxyDirectFallback {
		routes = append(routes, route{name: "direct"})
	}

	hosts := cfg.Hosts()
	paths := make([]*Path, 0, len(routes)*len(hosts))
	for _, r := range routes {
		client := newHTTPClient(cfg, r.proxy)
		for _, host := range hosts {
			name := r.name
			if len(hosts) > 1 {
				name = r.name + "@" + host
			}
			paths = append(paths, &Path{Name: name, Route: r.name, Host: host, Client: client})
		}
	}

	return newTransport(paths, cfg, log), nil
}

func newTransport(paths []*Path, cfg config.RedditConfig, log *logger.Logger) *Transport {
	maxCooldown := cfg.ProxyCooldownMax
	if maxCooldown < cfg.ProxyCooldown {
		maxCooldown = cfg.ProxyCooldown
	}
	blockStatus := cfg.BlockStatus
	if blockStatus == 0 {
		blockStatus = http.StatusForbidden
	}
	return &Transport{
		paths:        paths,
		rotation:     cfg.ProxyRotation,
		baseCooldown: cfg.ProxyCooldown,
		maxCooldown:  maxCooldown,
		blockStatus:  blockStatus,
		now:          time.Now,
		shuffle:      rand.Shuffle,
		log:          log.Component("reddit_transport"),
	}
}

func newHTTPClient(cfg config.RedditConfig, proxy *url.URL) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
	}
}

// Paths returns the configured paths in their base order
func (t *Transport) Paths() []*Path {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Path, len(t.paths))
	copy(out, t.paths)
	return out
}

// Send tries paths in rotation order, skipping cooling-down paths. A transport
// error or a block status moves on to the next path. When every path has been
// tried it returns the last response seen, or the last error if no path
// produced a response. The caller owns the returned response body.
func (t *Transport) Send(ctx context.Context, build RequestBuilder) (*http.Response, *Path, error) {
	var (
		lastResp *http.Response
		lastPath *Path
		lastErr  error
	)

	for _, p := range t.order() {
		req, err := build(ctx, p)
		if err != nil {
			return nil, p, err
		}

		resp, err := p.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, p, ctx.Err()
			}
			t.MarkFailure(p)
			lastErr = errors.Wrapf(err, "path %s", p.Name)
			lastPath = p
			continue
		}

		if resp.StatusCode == t.blockStatus {
			t.MarkFailure(p)
			if lastResp != nil {
				drain(lastResp)
			}
			lastResp, lastPath = resp, p
			continue
		}

		if resp.StatusCode < 300 {
			t.MarkSuccess(p)
		}
		if lastResp != nil {
			drain(lastResp)
		}
		return resp, p, nil
	}

	if lastResp != nil {
		return lastResp, lastPath, nil
	}
	if lastErr == nil {
		lastErr = errors.Wrap(errors.ErrUnavailable, "no access paths configured")
	}
	return nil, lastPath, lastErr
}

// MarkFailure bumps the path's failure count and starts a cooldown that doubles
// with each consecutive failure, up to the configured maximum.
func (t *Transport) MarkFailure(p *Path) {
	t.mu.Lock()
	p.failures++
	cooldown := t.cooldownFor(p.failures)
	p.cooldownUntil = t.now().Add(cooldown)
	failures := p.failures
	t.mu.Unlock()

	metrics.RecordPathCooldown(p.Name)
	t.log.Warnw("access path cooling down", "path", p.Name, "failures", failures, "cooldown", cooldown)
}

// MarkSuccess clears the path's failure count and cooldown
func (t *Transport) MarkSuccess(p *Path) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p.failures = 0
	p.cooldownUntil = time.Time{}
}

func (t *Transport) cooldownFor(failures int) time.Duration {
	if t.baseCooldown <= 0 {
		return 0
	}
	factor := math.Pow(2, float64(failures-1))
	d := time.Duration(float64(t.baseCooldown) * factor)
	if d > t.maxCooldown || d <= 0 {
		d = t.maxCooldown
	}
	return d
}

// order returns the paths to try for one request. Paths in cooldown are left
// out; when all of them are cooling down, all are returned sorted by the
// earliest cooldown end so a request is still attempted.
func (t *Transport) order() []*Path {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.paths)
	ordered := make([]*Path, 0, n)
	if t.rotation == config.RotationRandom {
		ordered = append(ordered, t.paths...)
		t.shuffle(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
	} else {
		for i := 0; i < n; i++ {
			ordered = append(ordered, t.paths[(t.next+i)%n])
		}
		if n > 0 {
			t.next = (t.next + 1) % n
		}
	}

	now := t.now()
	available := ordered[:0:0]
	for _, p := range ordered {
		if !now.Before(p.cooldownUntil) {
			available = append(available, p)
		}
	}
	if len(available) > 0 {
		return available
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].cooldownUntil.Before(ordered[j].cooldownUntil)
	})
	return ordered
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
