// Package api serves health, metrics and cluster views over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"qnasession/internal/cluster"
	"qnasession/internal/domain"
	"qnasession/internal/metrics"
)

const version = "0.1.0"

// ClusterRunner triggers a clustering pass on demand.
type ClusterRunner interface {
	RunOnce(ctx context.Context) (cluster.Report, error)
}

// ChangeHistory exposes the most recent dispatched changes.
type ChangeHistory interface {
	Recent(n int) []domain.Change
}

// Deps are the collaborators behind the routes. Runner, History and
// RealtimeState may be nil when those components are disabled.
type Deps struct {
	Store         domain.ClusterStore
	Runner        ClusterRunner
	History       ChangeHistory
	RealtimeState func() string
	Logger        *slog.Logger
}

type handler struct {
	Deps
}

// NewRouter builds the chi router for the API.
func NewRouter(d Deps) *chi.Mux {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &handler{Deps: d}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", h.health)
	r.Get("/rooms", h.listRooms)
	r.Get("/rooms/{roomID}/clusters", h.listClusters)
	r.Get("/changes", h.recentChanges)
	r.Post("/cluster/run", h.runCluster)
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Debug("request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"latency", time.Since(start),
					"request_id", chimw.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]check)
	healthy := true

	start := time.Now()
	if err := h.Store.Ping(ctx); err != nil {
		checks["store"] = check{Status: "fail", Message: "ping failed"}
		healthy = false
	} else {
		checks["store"] = check{Status: "pass", Latency: time.Since(start).String()}
	}

	if h.RealtimeState != nil {
		state := h.RealtimeState()
		c := check{Status: "pass", Message: state}
		if state != "live" {
			c.Status = "fail"
			healthy = false
		}
		checks["realtime"] = c
	}

	resp := healthResponse{
		Status:    "healthy",
		Version:   version,
		Uptime:    metrics.Uptime().Truncate(time.Second).String(),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.Store.ListRooms(r.Context())
	if err != nil {
		h.Logger.Error("list rooms failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []domain.Room{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (h *handler) listClusters(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	clusters, err := h.Store.ListClusters(r.Context(), roomID)
	if err != nil {
		h.Logger.Error("list clusters failed", "room", roomID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list clusters")
		return
	}
	if clusters == nil {
		clusters = []domain.Cluster{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID, "clusters": clusters})
}

func (h *handler) recentChanges(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusNotFound, "realtime feed disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	changes := h.History.Recent(limit)
	if changes == nil {
		changes = []domain.Change{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (h *handler) runCluster(w http.ResponseWriter, r *http.Request) {
	if h.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "clustering disabled")
		return
	}
	report, err := h.Runner.RunOnce(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			writeError(w, http.StatusServiceUnavailable, "request cancelled")
			return
		}
		h.Logger.Error("manual clustering pass failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
