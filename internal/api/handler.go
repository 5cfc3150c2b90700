package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/intel"
	"github.com/opensource-finance/harrier/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *intel.Service
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler. The repository, cache, and
// bus are only pinged for readiness; all domain work goes through the
// intel service.
func NewHandler(svc *intel.Service, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		svc:     svc,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		version: version,
	}
}

// RecordEvent handles POST /v1/events: record one threat report and
// return its risk assessment.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var input domain.EventInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	assessment, err := h.svc.RecordEvent(r.Context(), &input)
	if err != nil {
		if errors.Is(err, intel.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("failed to record event",
			"receiver_id", input.ReceiverID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to record event",
		})
		return
	}

	writeJSON(w, http.StatusCreated, assessment)
}

// Analyze handles POST /v1/analyze: score a report without recording it.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var input domain.EventInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	assessment, err := h.svc.Analyze(r.Context(), &input)
	if err != nil {
		if errors.Is(err, intel.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("failed to analyze event",
			"receiver_id", input.ReceiverID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to analyze event",
		})
		return
	}

	writeJSON(w, http.StatusOK, assessment)
}

// GetEvent handles GET /v1/events/{eventID}: look up one recorded report.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	event, err := h.svc.Event(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "event not found",
			})
			return
		}
		if errors.Is(err, intel.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("failed to get event", "event_id", eventID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get event",
		})
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// TopClusters handles GET /v1/clusters/top?n=.
func (h *Handler) TopClusters(w http.ResponseWriter, r *http.Request) {
	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "n must be a positive integer",
			})
			return
		}
		n = parsed
	}

	clusters := h.svc.TopClusters(r.Context(), n)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clusters": clusters,
		"count":    len(clusters),
	})
}

// ListClusters handles GET /v1/clusters?includeInactive=true.
func (h *Handler) ListClusters(w http.ResponseWriter, r *http.Request) {
	includeInactive := false
	if raw := r.URL.Query().Get("includeInactive"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "includeInactive must be a boolean",
			})
			return
		}
		includeInactive = parsed
	}

	clusters := h.svc.Clusters(includeInactive)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clusters": clusters,
		"count":    len(clusters),
	})
}

// GetCluster handles GET /v1/clusters/{clusterID}: one cluster with
// its member profiles.
func (h *Handler) GetCluster(w http.ResponseWriter, r *http.Request) {
	clusterID := chi.URLParam(r, "clusterID")

	detail, err := h.svc.ClusterDetail(r.Context(), clusterID)
	if err != nil {
		if errors.Is(err, intel.ErrClusterNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "cluster not found",
			})
			return
		}
		if errors.Is(err, intel.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("failed to get cluster", "cluster_id", clusterID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get cluster",
		})
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// GetReceiver handles GET /v1/receivers/{receiverID}.
func (h *Handler) GetReceiver(w http.ResponseWriter, r *http.Request) {
	receiverID := chi.URLParam(r, "receiverID")
	if receiverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "receiver id is required",
		})
		return
	}

	result, err := h.svc.Receiver(r.Context(), receiverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "receiver not found",
			})
			return
		}
		if errors.Is(err, intel.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("failed to get receiver", "receiver_id", receiverID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get receiver",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Trending handles GET /v1/trending?limit=.
func (h *Handler) Trending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = parsed
	}

	receivers, err := h.svc.Trending(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list trending receivers", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list trending receivers",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"receivers": receivers,
		"count":     len(receivers),
	})
}

// ForceRefresh handles POST /v1/refresh: run a synchronous cluster
// refresh and return the resulting generation counts.
func (h *Handler) ForceRefresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Refresh(r.Context())
	if err != nil {
		if errors.Is(err, intel.ErrRefreshInFlight) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "refresh already in progress",
			})
			return
		}
		slog.Error("refresh failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "refresh failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Health handles GET /healthz: liveness plus dependency status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready handles GET /readyz: 503 until every dependency answers a ping.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := []struct {
		name string
		ping func() error
	}{
		{"repository", func() error { return h.repo.Ping(ctx) }},
		{"cache", func() error { return h.cache.Ping(ctx) }},
		{"bus", func() error { return h.bus.Ping(ctx) }},
	}

	for _, c := range checks {
		if err := c.ping(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": c.name + " unavailable",
			})
			return
		}
	}

	info := h.svc.SnapshotInfo()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":    "true",
		"clusters": info.ClusterCount,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
