package reddit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tickerpulse/internal/adapters/config"
	"tickerpulse/internal/metrics"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

const (
	slotWindow        = time.Minute
	tokenSafetyMargin = 60 * time.Second
)

// Token is a cached bearer token
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid reports whether the token outlives the safety margin at now
func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && t.ExpiresAt.Sub(now) > tokenSafetyMargin
}

// TokenStore persists tokens so several processes can share one budget of
// credential exchanges. Get returns ok=false when nothing is stored.
type TokenStore interface {
	GetToken(ctx context.Context, key string) (Token, bool, error)
	SaveToken(ctx context.Context, key string, token Token) error
}

// Gate grants request slots under a minimum interval and a sliding one-minute
// cap, and hands out bearer tokens per access path. Slot grants are serialized
// across the whole gate so all callers share one outbound rate budget.
type Gate struct {
	slotMu   sync.Mutex
	interval *rate.Limiter
	window   time.Duration
	maxSlots int
	grants   []time.Time

	tokenMu      sync.Mutex
	tokens       map[string]Token
	store        TokenStore
	tokenURL     string
	clientID     string
	clientSecret string
	userAgent    string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *logger.Logger
}

// NewGate creates a gate from the forum client settings. store may be nil.
func NewGate(cfg config.RedditConfig, store TokenStore, log *logger.Logger) *Gate {
	limit := rate.Inf
	if cfg.MinRequestInterval > 0 {
		limit = rate.Every(cfg.MinRequestInterval)
	}
	return &Gate{
		interval:     rate.NewLimiter(limit, 1),
		window:       slotWindow,
		maxSlots:     cfg.MaxRequestsPerMinute,
		tokens:       make(map[string]Token),
		store:        store,
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		userAgent:    cfg.UserAgent,
		now:          time.Now,
		sleep:        sleepContext,
		log:          log.Component("reddit_gate"),
	}
}

// Acquire blocks until a slot is available under both limits and records it
func (g *Gate) Acquire(ctx context.Context) error {
	g.slotMu.Lock()
	defer g.slotMu.Unlock()

	if g.maxSlots > 0 {
		for {
			now := g.now()
			g.prune(now)
			if len(g.grants) < g.maxSlots {
				break
			}
			wait := g.grants[0].Add(g.window).Sub(now)
			g.log.Debugw("sliding window full, waiting", "wait", wait, "granted", len(g.grants))
			if err := g.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	if err := g.interval.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate gate")
	}

	g.grants = append(g.grants, g.now())
	return nil
}

func (g *Gate) prune(now time.Time) {
	cutoff := now.Add(-g.window)
	i := 0
	for i < len(g.grants) && !g.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.grants = append(g.grants[:0], g.grants[i:]...)
	}
}

// TokenFor returns a bearer token usable on path p. A cached token is reused
// while it outlives the safety margin; force skips the cache entirely.
func (g *Gate) TokenFor(ctx context.Context, p *Path, force bool) (string, error) {
	g.tokenMu.Lock()
	defer g.tokenMu.Unlock()

	key := tokenKey(g.clientID, p.Route)
	now := g.now()

	if !force {
		if tok, ok := g.tokens[key]; ok && tok.Valid(now) {
			return tok.AccessToken, nil
		}
		if g.store != nil {
			tok, ok, err := g.store.GetToken(ctx, key)
			if err != nil {
				g.log.Warnw("token store read failed", "error", err)
			} else if ok && tok.Valid(now) {
				g.tokens[key] = tok
				return tok.AccessToken, nil
			}
		}
	}

	tok, err := g.exchange(ctx, p.Client)
	if err != nil {
		return "", err
	}
	metrics.RecordTokenRefresh(force)
	g.tokens[key] = tok
	if g.store != nil {
		if err := g.store.SaveToken(ctx, key, tok); err != nil {
			g.log.Warnw("token store write failed", "error", err)
		}
	}
	return tok.AccessToken, nil
}

// exchange performs the client-credentials grant
func (g *Gate) exchange(ctx context.Context, client *http.Client) (Token, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, errors.Wrap(err, "build token request")
	}
	req.SetBasicAuth(g.clientID, g.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return Token{}, errors.Wrap(err, "token request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, errors.Wrap(err, "read token response")
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, &statusError{code: resp.StatusCode, path: g.tokenURL}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Token{}, errors.Wrap(errors.ErrUpstreamShape, "decode token response")
	}
	if payload.AccessToken == "" {
		return Token{}, errors.Wrap(errors.ErrUnauthorized, "token response without access_token")
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = 3600
	}

	g.log.Debugw("obtained bearer token", "expires_in", payload.ExpiresIn)
	return Token{
		AccessToken: payload.AccessToken,
		ExpiresAt:   g.now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

func tokenKey(clientID, route string) string {
	return "reddit:token:" + clientID + ":" + route
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
