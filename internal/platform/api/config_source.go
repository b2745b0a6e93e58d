package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.fluxdispatch.dev/internal/platform/dispatchpool"
)

// poolConfigView is the wire shape of a dispatch pool roster entry served to
// the router's config sync poller. It carries only the fields the router
// needs to size and rate-limit a process pool.
type poolConfigView struct {
	Code            string `json:"code"`
	Concurrency     int    `json:"concurrency"`
	QueueCapacity   int    `json:"queueCapacity"`
	RateLimitPerMin *int   `json:"rateLimitPerMin,omitempty"`
}

// ConfigSourceHandler exposes the enabled dispatch pool roster over HTTP so
// router processes that have no direct MongoDB connection can sync their
// pool configuration by polling instead.
type ConfigSourceHandler struct {
	repo dispatchpool.Repository
}

// NewConfigSourceHandler creates a new config source handler.
func NewConfigSourceHandler(repo dispatchpool.Repository) *ConfigSourceHandler {
	return &ConfigSourceHandler{repo: repo}
}

// Routes returns the router for the config-source endpoint.
func (h *ConfigSourceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/pools", h.ListEnabledPools)
	return r
}

// ListEnabledPools returns the current roster of enabled dispatch pools.
func (h *ConfigSourceHandler) ListEnabledPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.repo.FindAllEnabled(r.Context())
	if err != nil {
		slog.Error("config source: failed to list enabled pools", "error", err)
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "failed to list dispatch pools",
		})
		return
	}

	views := make([]poolConfigView, 0, len(pools))
	for _, p := range pools {
		views = append(views, poolConfigView{
			Code:            p.Code,
			Concurrency:     p.Concurrency,
			QueueCapacity:   p.QueueCapacity,
			RateLimitPerMin: p.RateLimitPerMin,
		})
	}

	WriteJSON(w, http.StatusOK, views)
}
