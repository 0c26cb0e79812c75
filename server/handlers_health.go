package server

import (
	"context"
	"database/sql"
	"net/http"
	"sort"

	"github.com/onnwee/chat-relay/telemetry"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readinessCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []readinessCheck{{"database", h.db.PingContext}}
	if h.redis != nil {
		checks = append(checks, readinessCheck{"redis", func(ctx context.Context) error { return h.redis.Ping(ctx).Err() }})
	}

	for _, check := range checks {
		if err := check.fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports live subscribers, the build version and enabled providers.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s, ok := h.db.(interface{ Stats() sql.DBStats }); ok {
		st := s.Stats()
		telemetry.UpdateDatabasePoolMetrics(st.OpenConnections, st.InUse)
	}
	subscribers := 0
	if h.registry != nil {
		subscribers = h.registry.Len()
	}
	var providers []string
	if h.relay != nil {
		providers = h.relay.Providers()
	}
	sort.Strings(providers)
	if providers == nil {
		providers = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscribers": subscribers,
		"version":     h.version,
		"providers":   providers,
		"redis":       h.redis != nil,
	})
}
