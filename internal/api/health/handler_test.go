package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Health(ctx context.Context) error { return f(ctx) }

func ok(context.Context) error { return nil }

func TestHandleLiveness(t *testing.T) {
	h := New(logger.Nop(), nil, "tickerpulse", "dev")
	rec := httptest.NewRecorder()
	h.HandleLiveness(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}

func TestHandleReadiness(t *testing.T) {
	tests := []struct {
		name     string
		deps     map[string]Pinger
		wantCode int
		want     string
	}{
		{
			name:     "all dependencies up",
			deps:     map[string]Pinger{"postgres": pingerFunc(ok), "clickhouse": pingerFunc(ok), "redis": pingerFunc(ok)},
			wantCode: http.StatusOK,
			want:     statusHealthy,
		},
		{
			name: "redis down",
			deps: map[string]Pinger{
				"postgres": pingerFunc(ok),
				"redis":    pingerFunc(func(context.Context) error { return errors.New("connection refused") }),
			},
			wantCode: http.StatusServiceUnavailable,
			want:     statusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(logger.Nop(), tt.deps, "tickerpulse", "1.2.0")
			rec := httptest.NewRecorder()
			h.HandleReadiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var body Status
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Status)
			assert.Equal(t, "tickerpulse", body.Service)
			assert.Len(t, body.Checks, len(tt.deps))
		})
	}
}

func TestHandleReadiness_ReportsFailingDependency(t *testing.T) {
	h := New(logger.Nop(), map[string]Pinger{
		"clickhouse": pingerFunc(func(context.Context) error { return errors.New("timeout") }),
	}, "tickerpulse", "dev")
	rec := httptest.NewRecorder()
	h.HandleReadiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, statusUnhealthy, body.Checks["clickhouse"].Status)
	assert.Equal(t, "timeout", body.Checks["clickhouse"].Error)
}
