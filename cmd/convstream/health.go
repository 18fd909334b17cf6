package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rickgao/convstream/internal/archive"
	"github.com/rickgao/convstream/internal/client"
	"github.com/rickgao/convstream/internal/session"
	"github.com/rickgao/convstream/internal/version"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type archiveStats interface {
	Stats() archive.Metrics
}

// healthDeps are the components reported on. db and archive are nil when
// archiving is disabled.
type healthDeps struct {
	client  *client.Client
	db      pinger
	archive archiveStats
}

const maxDebugEvents = 100

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(deps healthDeps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Version    version.Info   `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]any),
		}

		// Check connection
		snap := deps.client.Snapshot()
		stats := deps.client.Stats()
		health.Components["session"] = map[string]any{
			"state":           snap.State.String(),
			"loading":         snap.IsLoadingMessages,
			"events":          stats.Events,
			"sent":            stats.Sent,
			"not_connected":   stats.NotConnected,
			"send_failures":   stats.SendFailures,
			"opened":          stats.Session.Opened,
			"stale_callbacks": stats.Session.StaleCallbacks,
		}
		switch snap.State {
		case session.Error:
			health.Status = "unhealthy"
		case session.Stopped, session.Opening:
			health.Status = "degraded"
		}

		// Check database
		if deps.db != nil {
			if err := deps.db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["archive_db"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["archive_db"] = "connected"
			}
		}

		if deps.archive != nil {
			m := deps.archive.Stats()
			health.Components["archive"] = map[string]any{
				"received":  m.Received,
				"dropped":   m.Dropped,
				"inserts":   m.Inserts,
				"conflicts": m.Conflicts,
				"errors":    m.Errors,
				"buffered":  m.Buffer.Count,
			}
		}

		// Set response
		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/events", func(w http.ResponseWriter, r *http.Request) {
		events := deps.client.Events()
		total := len(events)

		limit := maxDebugEvents
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
				limit = n
			}
		}
		// Most recent last
		if len(events) > limit {
			events = events[len(events)-limit:]
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":   total,
			"showing": len(events),
			"events":  events,
		})
	})

	return mux
}
