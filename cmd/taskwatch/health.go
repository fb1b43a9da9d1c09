package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gdupload/taskwatch/internal/relay"
	"github.com/gdupload/taskwatch/internal/router"
	"github.com/gdupload/taskwatch/internal/tracker"
	"github.com/gdupload/taskwatch/internal/watcher"
	"github.com/gdupload/taskwatch/internal/writer"
)

// pinger is the part of *pgxpool.Pool the health check needs.
type pinger interface {
	Ping(ctx context.Context) error
}

// createHealthHandler creates the HTTP handler for health checks. db and rl
// may be nil when persistence or the relay is disabled.
func createHealthHandler(path string, db pinger, w *watcher.Watcher, rtr router.Router, writers []*writer.Writer, rl *relay.Relay, tr tracker.Tracker) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		// Check STOMP connection
		ws := w.Stats()
		stomp := map[string]any{
			"state":         ws.Client.State.String(),
			"attempts":      ws.Client.Attempts,
			"subscriptions": len(ws.Subscribed),
			"connects":      ws.Client.Connects,
		}
		if ws.LastError != "" {
			stomp["last_error"] = ws.LastError
		}
		health.Components["stomp"] = stomp
		if !w.Healthy() {
			health.Status = "unhealthy"
		}

		// Check database
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["postgres"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["postgres"] = "connected"
			}
		}

		rs := rtr.Stats()
		health.Components["router"] = map[string]any{
			"received":     rs.MessagesReceived,
			"routed":       rs.MessagesRouted,
			"duplicates":   rs.Duplicates,
			"parse_errors": rs.ParseErrors,
			"dropped":      rs.Dropped,
		}
		if rs.Dropped > 0 && health.Status == "healthy" {
			health.Status = "degraded"
		}

		for _, wr := range writers {
			health.Components["writer_"+wr.Table()] = wr.Stats()
		}
		if rl != nil {
			health.Components["relay"] = rl.Stats()
		}
		if tr != nil {
			health.Components["tasks"] = map[string]int{
				"active": len(tr.ActiveTasks()),
				"known":  len(tr.Tasks()),
			}
		}

		// Set response
		rw.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			rw.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(rw).Encode(health)
	})

	mux.HandleFunc("/debug/subscriptions", func(rw http.ResponseWriter, r *http.Request) {
		ws := w.Stats()

		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]any{
			"state":         ws.Client.State.String(),
			"subscribed":    ws.Subscribed,
			"subscriptions": ws.Subscriptions,
			"resubscribes":  ws.Resubscribes,
			"restarts":      ws.Restarts,
		})
	})

	mux.HandleFunc("/debug/tasks", func(rw http.ResponseWriter, r *http.Request) {
		tasks := []tracker.Task{}
		if tr != nil {
			if r.URL.Query().Get("active") == "true" {
				tasks = tr.ActiveTasks()
			} else {
				tasks = tr.Tasks()
			}
		}

		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]any{
			"count": len(tasks),
			"tasks": tasks,
		})
	})

	return mux
}
