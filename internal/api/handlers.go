package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"tickerpulse/internal/domain/forum"
	"tickerpulse/internal/domain/sentiment"
	"tickerpulse/internal/services/pulljob"
	"tickerpulse/internal/workers"
	"tickerpulse/pkg/errors"
	"tickerpulse/pkg/logger"
)

// Jobs starts and reads pull jobs
type Jobs interface {
	Start(ctx context.Context, mode pulljob.Mode, subreddit string) (*pulljob.Snapshot, error)
	Snapshot(id uuid.UUID) (*pulljob.Snapshot, error)
}

// Runs reads stored pull runs
type Runs interface {
	GetRun(ctx context.Context, id uuid.UUID) (*forum.PullRun, error)
}

// DailyMetrics reads per-subreddit metrics of one day
type DailyMetrics interface {
	DailyMetrics(ctx context.Context, day time.Time) ([]sentiment.TickerMetrics, error)
}

// WorkerHealth reports background worker state
type WorkerHealth interface {
	Health() map[string]workers.WorkerHealth
}

// Handler holds dependencies for the API handlers. Runs, Metrics and
// Workers may be nil; their routes are then not registered.
type Handler struct {
	Jobs    Jobs
	Runs    Runs
	Metrics DailyMetrics
	Workers WorkerHealth
	Log     *logger.Logger
}

type startPullRequest struct {
	Subreddit string `json:"subreddit"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// StartPull handles POST /api/v1/pulls. An empty body or subreddit pulls
// every configured subreddit.
func (h *Handler) StartPull(w http.ResponseWriter, r *http.Request) {
	var req startPullRequest
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && err != io.EOF {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if sub := r.URL.Query().Get("subreddit"); sub != "" {
		req.Subreddit = sub
	}

	mode := pulljob.ModeAll
	if req.Subreddit != "" {
		mode = pulljob.ModeSingle
	}

	snap, err := h.Jobs.Start(r.Context(), mode, req.Subreddit)
	switch {
	case errors.Is(err, errors.ErrJobActive) && snap != nil:
		respondJSON(w, http.StatusOK, snap)
	case errors.Is(err, errors.ErrJobActive):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errors.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.Log.Errorw("Failed to start pull job", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to start pull job")
	default:
		respondJSON(w, http.StatusAccepted, snap)
	}
}

// GetPull handles GET /api/v1/pulls/{id}
func (h *Handler) GetPull(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	snap, err := h.Jobs.Snapshot(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "pull job not found")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	run, err := h.Runs.GetRun(r.Context(), id)
	if errors.Is(err, errors.ErrNotFound) {
		respondError(w, http.StatusNotFound, "pull run not found")
		return
	}
	if err != nil {
		h.Log.Errorw("Failed to load pull run", "run_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load pull run")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// GetDailyMetrics handles GET /api/v1/metrics/daily?date=YYYY-MM-DD
func (h *Handler) GetDailyMetrics(w http.ResponseWriter, r *http.Request) {
	day, err := time.Parse(time.DateOnly, r.URL.Query().Get("date"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	rows, err := h.Metrics.DailyMetrics(r.Context(), day)
	if err != nil {
		h.Log.Errorw("Failed to load daily metrics", "date", day, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load daily metrics")
		return
	}
	if rows == nil {
		rows = []sentiment.TickerMetrics{}
	}
	respondJSON(w, http.StatusOK, rows)
}

// GetWorkers handles GET /api/v1/workers
func (h *Handler) GetWorkers(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.Workers.Health())
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, errorResponse{Error: msg})
}
