package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"courier/internal/capability"
	"courier/internal/contextwin"
	"courier/internal/metrics"
	"courier/internal/models"
	"courier/internal/notify"
	"courier/internal/orchestrator"
	"courier/internal/session"
	"courier/internal/tasks"
	"courier/internal/worker"
)

type testServer struct {
	router     *gin.Engine
	hub        *notify.Hub
	registry   *tasks.Registry
	dispatcher *worker.Dispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(reg)
	store := session.NewStore(session.NewMemoryPersister())
	registry := tasks.NewRegistry(tasks.Options{PoolSize: 2, Observer: recorder})
	hub := notify.NewHub(8)

	echo := capability.Func(func(_ context.Context, prompt string, _ contextwin.Slice, _ capability.Options) (capability.Result, error) {
		return capability.Result{Text: "done: " + prompt, Success: true}, nil
	})
	orch := orchestrator.New(orchestrator.Deps{
		Store:    store,
		Registry: registry,
		Workers:  capability.Set{Code: echo, Research: echo, Background: echo},
		Notifier: hub,
		Timeout:  time.Second,
		Recorder: recorder,
	})
	dispatcher := worker.NewDispatcher(orch, worker.Options{MaxDepth: 10, MaxWorkers: 4, Observer: recorder})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = dispatcher.Stop(ctx)
		_ = registry.Close(ctx)
	})

	handler := NewHandler(dispatcher, orch, registry, hub, Options{Gatherer: reg, Heartbeat: 20 * time.Millisecond})
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, hub: hub, registry: registry, dispatcher: dispatcher}
}

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/alice/messages",
		map[string]string{"text": "fix the login bug"}, nil)
	assertStatus(t, resp, http.StatusAccepted)
	var accepted struct {
		RequestID string `json:"request_id"`
		UserID    string `json:"user_id"`
	}
	decodeJSON(t, resp.Body.Bytes(), &accepted)
	if accepted.RequestID == "" || accepted.UserID != "alice" {
		t.Fatalf("unexpected accept body: %s", resp.Body.String())
	}

	var status struct {
		Session struct {
			TurnCount       int  `json:"turn_count"`
			ProposalPending bool `json:"proposal_pending"`
		} `json:"session"`
		Queue worker.LaneStats `json:"queue"`
	}
	waitFor(t, func() bool {
		rec := doJSONRequest(t, srv.router, http.MethodGet, "/api/users/alice/status", nil, nil)
		assertStatus(t, rec, http.StatusOK)
		decodeJSON(t, rec.Body.Bytes(), &status)
		return status.Session.TurnCount == 2 && status.Queue.Processed == 1
	})
	if status.Session.ProposalPending {
		t.Fatalf("code dispatch must not leave a proposal")
	}

	usageResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/users/alice/usage", nil, nil)
	assertStatus(t, usageResp, http.StatusOK)
	var usage metrics.Usage
	decodeJSON(t, usageResp.Body.Bytes(), &usage)
	if usage.Messages != 1 || usage.Dispatches["code"] != 1 {
		t.Fatalf("unexpected usage: %+v", usage)
	}

	wsResp := doJSONRequest(t, srv.router, http.MethodPut, "/api/users/alice/workspace",
		map[string]string{"path": t.TempDir()}, nil)
	assertStatus(t, wsResp, http.StatusOK)

	resetResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/alice/reset", nil, nil)
	assertStatus(t, resetResp, http.StatusOK)
	var report orchestrator.ResetReport
	decodeJSON(t, resetResp.Body.Bytes(), &report)
	if report.UserID != "alice" || report.CancelledTasks != 0 {
		t.Fatalf("unexpected reset report: %+v", report)
	}

	rec := doJSONRequest(t, srv.router, http.MethodGet, "/api/users/alice/status", nil, nil)
	decodeJSON(t, rec.Body.Bytes(), &status)
	if status.Session.TurnCount != 0 {
		t.Fatalf("expected empty history after reset, got %d turns", status.Session.TurnCount)
	}
}

func TestPostMessageValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/alice/messages",
		map[string]string{"text": "   "}, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/users/bad%20id/messages",
		map[string]string{"text": "hi"}, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	req := httptest.NewRequest(http.MethodPost, "/api/users/alice/messages", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusBadRequest)
}

type fullQueue struct{}

func (fullQueue) Enqueue(userID, _ string) (models.QueueEntry, error) {
	return models.QueueEntry{}, fmt.Errorf("%w: user %s", worker.ErrQueueFull, userID)
}

func (fullQueue) LaneStats(string) worker.LaneStats {
	return worker.LaneStats{Depth: 10, InFlight: true}
}

type recordingControl struct {
	mu       sync.Mutex
	rejected []string
}

func (r *recordingControl) Reset(_ context.Context, userID string) orchestrator.ResetReport {
	return orchestrator.ResetReport{UserID: userID}
}
func (r *recordingControl) Status(string) orchestrator.Status           { return orchestrator.Status{} }
func (r *recordingControl) Usage(userID string) metrics.Usage           { return metrics.Usage{UserID: userID} }
func (r *recordingControl) SetWorkspace(string, string) (string, error) { return "", nil }
func (r *recordingControl) Rejected(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, userID)
}

type staticTasks struct {
	tasks []models.BackgroundTask
}

func (s staticTasks) ListActive() []models.BackgroundTask { return s.tasks }

func (s staticTasks) Status(id string) (models.BackgroundTask, bool) {
	for _, t := range s.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return models.BackgroundTask{}, false
}

func TestPostMessageQueueFull(t *testing.T) {
	gin.SetMode(gin.TestMode)
	control := &recordingControl{}
	handler := NewHandler(fullQueue{}, control, staticTasks{}, notify.NewHub(1), Options{Gatherer: prometheus.NewRegistry()})
	router := gin.New()
	handler.RegisterRoutes(router)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/users/bob/messages",
		map[string]string{"text": "fix it"}, nil)
	assertStatus(t, resp, http.StatusTooManyRequests)
	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Error != "queue_full" {
		t.Fatalf("expected queue_full, got %q", body.Error)
	}
	if len(control.rejected) != 1 || control.rejected[0] != "bob" {
		t.Fatalf("rejection not counted: %v", control.rejected)
	}
}

func TestTaskEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	view := staticTasks{tasks: []models.BackgroundTask{
		{ID: "t1", UserID: "alice", Description: "index", Status: models.TaskRunning},
		{ID: "t2", UserID: "bob", Description: "crawl", Status: models.TaskPending},
	}}
	handler := NewHandler(fullQueue{}, &recordingControl{}, view, notify.NewHub(1), Options{Gatherer: prometheus.NewRegistry()})
	router := gin.New()
	handler.RegisterRoutes(router)

	resp := doJSONRequest(t, router, http.MethodGet, "/api/tasks?user_id=alice", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var list struct {
		Tasks []models.BackgroundTask `json:"tasks"`
	}
	decodeJSON(t, resp.Body.Bytes(), &list)
	if len(list.Tasks) != 1 || list.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected task list: %+v", list.Tasks)
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/api/tasks/t2", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var task models.BackgroundTask
	decodeJSON(t, resp.Body.Bytes(), &task)
	if task.Description != "crawl" {
		t.Fatalf("unexpected task: %+v", task)
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/api/tasks/missing", nil, nil)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestStreamEventsReplaysBacklog(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.hub.Deliver(context.Background(), notify.Reply{UserID: "carol", Kind: "direct", Text: "earlier reply"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/users/carol/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.router.ServeHTTP(rec, req)
	}()
	time.Sleep(60 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not stop after client left")
	}

	body := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(body, "event: reply") || !strings.Contains(body, "earlier reply") {
		t.Fatalf("backlog not replayed: %q", body)
	}
	if !strings.Contains(body, ": ping") {
		t.Fatalf("expected a heartbeat, got %q", body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, resp, http.StatusOK)

	doJSONRequest(t, srv.router, http.MethodPost, "/api/users/dave/messages", map[string]string{"text": "hello"}, nil)
	waitFor(t, func() bool { return srv.dispatcher.LaneStats("dave").Processed == 1 })

	resp = doJSONRequest(t, srv.router, http.MethodGet, "/metrics", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), "courier_queue_entries_total") {
		t.Fatalf("metrics missing queue counters: %s", resp.Body.String())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
