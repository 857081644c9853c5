package handler

import (
	"context"
	"net/http"

	"github.com/aurahealth/retina-batch/internal/api/response"
	"github.com/aurahealth/retina-batch/internal/cache"
)

// Pinger is the liveness slice of the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns the handler for GET /api/v1/health. It reports
// degraded with a 503 when either the database or Redis is unreachable.
func NewHealthHandler(db Pinger, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}
		healthy := true

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "unreachable"
			healthy = false
		}
		if err := ca.Ping(r.Context()); err != nil {
			checks["cache"] = "unreachable"
			healthy = false
		}

		if !healthy {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more dependencies are unreachable", checks)
			return
		}
		response.JSON(w, map[string]any{"status": "ok", "checks": checks})
	}
}
