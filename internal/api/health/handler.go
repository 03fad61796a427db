package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"tickerpulse/pkg/logger"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// Pinger is a dependency that can report its connectivity
type Pinger interface {
	Health(ctx context.Context) error
}

// Handler provides health check endpoints
type Handler struct {
	log         *logger.Logger
	deps        map[string]Pinger
	startTime   time.Time
	serviceName string
	version     string
}

// New creates a health handler checking the given dependencies by name
func New(log *logger.Logger, deps map[string]Pinger, serviceName, version string) *Handler {
	return &Handler{
		log:         log.With("component", "health"),
		deps:        deps,
		startTime:   time.Now(),
		serviceName: serviceName,
		version:     version,
	}
}

// Status is the readiness report
type Status struct {
	Status    string                     `json:"status"`
	Service   string                     `json:"service"`
	Version   string                     `json:"version"`
	Uptime    string                     `json:"uptime"`
	Timestamp string                     `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks"`
}

// ComponentHealth represents health of a single dependency
type ComponentHealth struct {
	Status       string `json:"status"`
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HandleLiveness returns 200 while the process is up
func (h *Handler) HandleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleReadiness pings every dependency and returns 503 if any is down
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]ComponentHealth, len(names))
	healthy := true
	for _, name := range names {
		c := h.check(ctx, name, h.deps[name])
		checks[name] = c
		if c.Status != statusHealthy {
			healthy = false
		}
	}

	status := Status{
		Status:    statusHealthy,
		Service:   h.serviceName,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	code := http.StatusOK
	if !healthy {
		status.Status = statusUnhealthy
		code = http.StatusServiceUnavailable
		h.log.Warnw("Readiness check failed", "checks", checks)
	}
	writeJSON(w, code, status)
}

func (h *Handler) check(ctx context.Context, name string, dep Pinger) ComponentHealth {
	start := time.Now()
	err := dep.Health(ctx)
	elapsed := time.Since(start)

	if err != nil {
		h.log.Debugw("Dependency health check failed", "dependency", name, "error", err, "elapsed", elapsed)
		return ComponentHealth{Status: statusUnhealthy, ResponseTime: elapsed.String(), Error: err.Error()}
	}
	return ComponentHealth{Status: statusHealthy, ResponseTime: elapsed.String()}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
