package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/trafficctl/control-plane/internal/httpx"
)

// RegisterRoutes mounts the admin API under /admin (guarded by
// apiKey), plus the public /beacon endpoint, onto r. /health is
// registered separately since it intentionally sits outside the
// X-API-Key boundary.
func (h *Handler) RegisterRoutes(r chi.Router, apiKey string) {
	r.Post("/beacon", h.handleBeacon)

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(httpx.RequireAPIKey(apiKey))

		ar.Get("/sessions", h.handleListSessions)
		ar.Get("/sessions/{hash}", h.handleGetSession)
		ar.Post("/sessions/{hash}/upspin", h.handleUpspin)
		ar.Post("/sessions/{hash}/downspin", h.handleDownspin)
		ar.Post("/sessions/{hash}/terminate", h.handleTerminate)
		ar.Post("/sessions/{hash}/notify", h.handleNotify)
		ar.Post("/sessions/{hash}/redirect", h.handleRedirect)
		ar.Post("/batch-action", h.handleBatchAction)
		ar.Get("/analytics", h.handleAnalytics)
		ar.Get("/high-risk", h.handleHighRisk)
		ar.Get("/stats", h.handleStats)
	})
}

// RegisterHealth mounts the unauthenticated /health endpoint.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.handleHealth)
}
