package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gdupload/taskwatch/internal/connection"
	"github.com/gdupload/taskwatch/internal/router"
	"github.com/gdupload/taskwatch/internal/taskevent"
	"github.com/gdupload/taskwatch/internal/tracker"
	"github.com/gdupload/taskwatch/internal/watcher"
)

type refusingTransport struct{}

func (refusingTransport) Open(ctx context.Context, address string) (connection.Session, error) {
	return nil, errors.New("connection refused")
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func newTestWatcher() *watcher.Watcher {
	return watcher.New(watcher.DefaultConfig(), connection.DefaultConfig(), refusingTransport{},
		func(connection.Message) error { return nil }, nil, nil)
}

func TestHealthHandler_Disconnected(t *testing.T) {
	rtr := router.NewRouter(router.DefaultRouterConfig(), nil, nil)
	h := createHealthHandler("/health", fakePinger{}, newTestWatcher(), rtr, nil, nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body struct {
		Status     string                     `json:"status"`
		Components map[string]json.RawMessage `json:"components"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", body.Status)
	}
	for _, c := range []string{"stomp", "postgres", "router"} {
		if _, ok := body.Components[c]; !ok {
			t.Errorf("missing component %q", c)
		}
	}
	if _, ok := body.Components["relay"]; ok {
		t.Error("relay component reported while disabled")
	}
}

func TestHealthHandler_DatabaseDown(t *testing.T) {
	rtr := router.NewRouter(router.DefaultRouterConfig(), nil, nil)
	h := createHealthHandler("/health", fakePinger{err: errors.New("connection reset")}, newTestWatcher(), rtr, nil, nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body struct {
		Components map[string]any `json:"components"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	pg, ok := body.Components["postgres"].(map[string]any)
	if !ok || pg["status"] != "disconnected" {
		t.Errorf("postgres = %v, want disconnected", body.Components["postgres"])
	}
}

func TestDebugSubscriptions(t *testing.T) {
	rtr := router.NewRouter(router.DefaultRouterConfig(), nil, nil)
	h := createHealthHandler("/health", nil, newTestWatcher(), rtr, nil, nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/subscriptions", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["state"] != "disconnected" {
		t.Errorf("state = %v, want disconnected", body["state"])
	}
}

type fakeTracker struct {
	tracker.Tracker
	tasks []tracker.Task
}

func (f fakeTracker) Tasks() []tracker.Task { return f.tasks }

func (f fakeTracker) ActiveTasks() []tracker.Task {
	var out []tracker.Task
	for _, t := range f.tasks {
		if t.Active() {
			out = append(out, t)
		}
	}
	return out
}

func TestDebugTasks(t *testing.T) {
	rtr := router.NewRouter(router.DefaultRouterConfig(), nil, nil)
	tr := fakeTracker{tasks: []tracker.Task{
		{ID: 1, Status: taskevent.TaskUploading},
		{ID: 2, Status: taskevent.TaskCompleted},
	}}
	h := createHealthHandler("/health", nil, newTestWatcher(), rtr, nil, nil, tr)

	tests := []struct {
		url  string
		want int
	}{
		{"/debug/tasks", 2},
		{"/debug/tasks?active=true", 1},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))

		var body struct {
			Count int `json:"count"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Count != tt.want {
			t.Errorf("%s count = %d, want %d", tt.url, body.Count, tt.want)
		}
	}
}
