package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/trafficctl/control-plane/internal/httpx"
)

func nowRFC3339() string {
	return time.Now().Format(time.RFC3339)
}

func pingOne(ctx context.Context, p Pinger) bool {
	if p == nil {
		return true
	}
	return p.Ping(ctx) == nil
}

// GET /health — outside the admin API-key boundary on purpose, so load
// balancers and orchestrators can probe it unauthenticated.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	postgresOK := pingOne(ctx, h.repo)
	clickhouseOK := pingOne(ctx, h.clickhouse)
	redisOK := pingOne(ctx, h.redis)
	healthy := postgresOK && clickhouseOK && redisOK

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	body := map[string]interface{}{
		"healthy":    healthy,
		"postgres":   postgresOK,
		"clickhouse": clickhouseOK,
		"redis":      redisOK,
		"uptime":     time.Since(h.startedAt).String(),
		"memory": map[string]interface{}{
			"allocBytes":      mem.Alloc,
			"heapObjects":     mem.HeapObjects,
			"goroutineCount":  runtime.NumGoroutine(),
			"totalAllocBytes": mem.TotalAlloc,
		},
		"timestamp": nowRFC3339(),
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	httpx.JSON(w, status, body)
}
