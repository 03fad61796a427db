package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerpulse/pkg/errors"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REDDIT_CLIENT_ID", "abc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeOfficial, cfg.Reddit.Mode)
	assert.Equal(t, 700*time.Millisecond, cfg.Reddit.MinRequestInterval)
	assert.Equal(t, 90, cfg.Reddit.MaxRequestsPerMinute)
	assert.Equal(t, 4, cfg.Reddit.MaxRetries)
	assert.Equal(t, []string{"oauth.reddit.com"}, cfg.Reddit.Hosts())
	assert.Equal(t, []string{"wallstreetbets", "stocks", "investing", "finance"}, cfg.Pull.SubredditList())
	assert.True(t, cfg.Aggregation.UseDepthDecay)
	assert.InDelta(t, 0.15, cfg.Aggregation.LambdaDepth, 1e-9)
	assert.Equal(t, "Europe/Berlin", cfg.Aggregation.Location().String())
}

func TestLoad_OfficialModeRequiresClientID(t *testing.T) {
	t.Setenv("REDDIT_CLIENT_ID", "")
	t.Setenv("REDDIT_MODE", ModeOfficial)

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestLoad_LegacyHostsAndProxies(t *testing.T) {
	t.Setenv("REDDIT_MODE", ModeLegacy)
	t.Setenv("REDDIT_PROXY_URLS", "http://p1:8080, http://p2:8080,http://p1:8080,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"www.reddit.com", "api.reddit.com", "old.reddit.com"}, cfg.Reddit.Hosts())
	assert.Equal(t, []string{"http://p1:8080", "http://p2:8080"}, cfg.Reddit.Proxies())
}

func TestPullConfig_ClampedLimit(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{0, 1},
		{-5, 1},
		{20, 20},
		{250, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PullConfig{Limit: tt.limit}.ClampedLimit())
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := &Config{
		Reddit: RedditConfig{Mode: "scrape", ProxyRotation: "sticky", MoreChildrenChunk: 0},
	}
	err := cfg.Validate()
	require.Error(t, err)

	var multi *errors.MultiError
	require.True(t, errors.As(err, &multi))
	assert.Len(t, multi.Errors, 5)
}
