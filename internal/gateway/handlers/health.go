package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger is the connectivity probe the health endpoint exercises.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns a handler reporting gateway and store health.
func NewHealthHandler(kv Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := map[string]interface{}{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		}

		status := http.StatusOK
		if err := kv.Ping(r.Context()); err != nil {
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, health)
	}
}
