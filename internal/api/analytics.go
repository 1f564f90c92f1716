package api

import (
	"net/http"

	"github.com/trafficctl/control-plane/internal/httpx"
)

// GET /admin/analytics?hours=<1..720>
func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	hours := clampQueryInt(r, "hours", 24, 1, 720)
	sessions, err := h.repo.GetActiveSessions(r.Context(), hours*60)
	if err != nil {
		sessions = nil
	}

	geoDistribution := map[string]int{}
	botCandidates := make([]sessionView, 0)
	var totalEvents, totalViolations int

	for _, s := range sessions {
		country := s.Geo.Country
		if country == "" {
			country = "unknown"
		}
		geoDistribution[country]++
		totalEvents += s.TotalEvents
		totalViolations += s.ViolationCount
		if s.IsBot {
			botCandidates = append(botCandidates, toSessionView(s))
		}
	}

	// GetDashboardStats degrades to a zero-value result on its own, per
	// the read-path graceful-degradation rule, so the error is ignored here.
	dbStats, _ := h.repo.GetDashboardStats(r.Context())

	httpx.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"summary": map[string]interface{}{
			"windowHours":     hours,
			"sessionCount":    len(sessions),
			"totalEvents":     totalEvents,
			"totalViolations": totalViolations,
		},
		"geoDistribution": geoDistribution,
		"botCandidates":   botCandidates,
		"dbStats":         dbStats,
	})
}

// GET /admin/high-risk
func (h *Handler) handleHighRisk(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.GetHighRiskSessions(r.Context())
	if err != nil {
		sessions = nil
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, toSessionView(s))
	}
	httpx.JSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"count":    len(views),
		"sessions": views,
	})
}

// GET /admin/stats — live, per-node websocket/rate-limiter internals,
// spec.md §6.3.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	limiterStats := h.limiter.Snapshot()
	httpx.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"websocket": map[string]interface{}{
			"totalConnections":  h.registry.Count(),
			"activeConnections": h.registry.Count(),
			"rateLimiter": map[string]interface{}{
				"trackedBuckets":    limiterStats.TrackedBuckets,
				"trackedViolations": limiterStats.TrackedViolations,
				"activeBans":        limiterStats.ActiveBans,
			},
		},
		"online":    h.registry.Count(),
		"timestamp": nowRFC3339(),
	})
}
