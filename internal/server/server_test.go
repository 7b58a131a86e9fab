package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackzampolin/newsreel/internal/config"
	"github.com/jackzampolin/newsreel/internal/coordinator"
	"github.com/jackzampolin/newsreel/internal/home"
	"github.com/jackzampolin/newsreel/internal/providers"
	"github.com/jackzampolin/newsreel/internal/server/endpoints"
	"github.com/jackzampolin/newsreel/internal/store"
	"github.com/jackzampolin/newsreel/internal/testutil"
)

const validEpisode = `{"EpisodeName":"Weekly Tech Digest","AI":{"Models":["A new model shipped."]}}`

type testServer struct {
	srv     *Server
	baseURL string
	client  *providers.MockClient
	cfgFile string
	stop    func()
}

func writeServerConfig(t *testing.T, path, port string, extra string) {
	t.Helper()
	content := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: "%s"
store:
  driver: memory
coordinator:
  store_retry_delay: 1ms
  sweep_schedule: "@every 1h"
%s`, port, extra)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	port, err := testutil.FindFreePort()
	if err != nil {
		t.Fatalf("FindFreePort() error = %v", err)
	}
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	writeServerConfig(t, cfgFile, port, "")

	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		t.Fatalf("config.NewManager() error = %v", err)
	}
	h, err := home.New(dir)
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}

	client := providers.NewMockClient()
	client.ResponseText = validEpisode

	srv, err := New(Config{
		ConfigManager:   mgr,
		Home:            h,
		Client:          client,
		SwaggerSpecPath: filepath.Join("..", "..", "docs", "swagger", "swagger.json"),
		Logger:          testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	starter := &testutil.StartServer{Cancel: cancel, Done: done}

	baseURL := "http://" + srv.Addr()
	if err := testutil.WaitForServer(baseURL, 10*time.Second); err != nil {
		starter.Stop()
		t.Fatalf("server did not start: %v", err)
	}

	ts := &testServer{srv: srv, baseURL: baseURL, client: client, cfgFile: cfgFile, stop: starter.Stop}
	t.Cleanup(ts.stop)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.baseURL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := testutil.HTTPClient().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServer_NotInitialized(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	writeServerConfig(t, cfgFile, "0", "")
	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		t.Fatalf("config.NewManager() error = %v", err)
	}
	h, _ := home.New(dir)

	srv, err := New(Config{ConfigManager: mgr, Home: h, Client: providers.NewMockClient(), Logger: testutil.Logger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/ready", http.StatusServiceUnavailable},
		{"GET", "/status", http.StatusOK},
		{"POST", "/ai/episodeLimitCheck", http.StatusServiceUnavailable},
		{"GET", "/users/u1/progress", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString("{}")))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without config manager")
	}

	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	writeServerConfig(t, cfgFile, "0", "")
	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		t.Fatalf("config.NewManager() error = %v", err)
	}
	if _, err := New(Config{ConfigManager: mgr}); err == nil {
		t.Error("expected error without home")
	}
}

func TestServer_EpisodeCycle(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()

	records := []store.Record{
		{ID: "r1", UserID: "u1", EmailAddress: "a@news.test", TokenCount: 100, SentTime: time.Now().Add(-3 * time.Hour)},
		{ID: "r2", UserID: "u1", EmailAddress: "b@news.test", TokenCount: 100, SentTime: time.Now().Add(-2 * time.Hour)},
		{ID: "r3", UserID: "u1", EmailAddress: "a@news.test", TokenCount: 100, SentTime: time.Now().Add(-time.Hour)},
	}
	if err := ts.srv.Store().UpsertRecords(ctx, records); err != nil {
		t.Fatalf("UpsertRecords() error = %v", err)
	}

	var progress coordinator.Progress
	if code := ts.do(t, "PUT", "/users/u1/expected", endpoints.SetExpectedRequest{Count: 1}, &progress); code != http.StatusOK {
		t.Fatalf("PUT expected status = %d", code)
	}
	if !progress.Open || progress.Counters.Expected != 1 {
		t.Errorf("progress after expected = %+v", progress)
	}

	var ack endpoints.ProcessingResponse
	code := ts.do(t, "POST", "/ai/episodeLimitCheck", endpoints.EpisodeLimitCheckRequest{
		UserID:  "u1",
		Records: []store.RecordRef{{ID: "r1"}, {ID: "r2"}, {ID: "r3"}},
	}, &ack)
	if code != http.StatusAccepted {
		t.Fatalf("episodeLimitCheck status = %d", code)
	}
	if ack.Status != "processing" {
		t.Errorf("ack = %+v", ack)
	}

	waitFor(t, "completion flag", func() bool {
		var p coordinator.Progress
		ts.do(t, "GET", "/users/u1/progress", nil, &p)
		return p.Complete
	})

	var list endpoints.ListEpisodesResponse
	if code := ts.do(t, "GET", "/users/u1/episodes", nil, &list); code != http.StatusOK {
		t.Fatalf("episodes status = %d", code)
	}
	if list.Total != 1 {
		t.Fatalf("episodes = %d, want 1", list.Total)
	}
	ep := list.Episodes[0]
	if ep.Title != "Weekly Tech Digest" {
		t.Errorf("title = %q", ep.Title)
	}
	if len(ep.SourceEmails) != 2 {
		t.Errorf("source emails = %v, want 2 unique", ep.SourceEmails)
	}

	var status endpoints.StatusResponse
	if code := ts.do(t, "GET", "/status", nil, &status); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if status.Store.Driver != "memory" || status.Store.Health != "healthy" {
		t.Errorf("store status = %+v", status.Store)
	}
	if status.Coordinator == nil || status.Coordinator.Batches.Episodes != 1 {
		t.Errorf("coordinator status = %+v", status.Coordinator)
	}
}

func TestServer_WebhookValidation(t *testing.T) {
	ts := startTestServer(t)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"episode check without user", "/ai/episodeLimitCheck", map[string]any{"records": []any{}}, http.StatusBadRequest},
		{"episode check without records", "/ai/episodeLimitCheck", map[string]any{"user_id": "u9"}, http.StatusOK},
		{"refine without id", "/ai/refineText", map[string]any{"parsed_text": "hello"}, http.StatusBadRequest},
		{"refine without text", "/ai/refineText", map[string]any{"id": "r1"}, http.StatusBadRequest},
		{"refine accepted", "/ai/refineText", map[string]any{"id": "missing", "user_id": "u9", "parsed_text": "hello"}, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := ts.do(t, "POST", tt.path, tt.body, nil); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}

	if code := ts.do(t, "PUT", "/users/u9/expected", endpoints.SetExpectedRequest{Count: -1}, nil); code != http.StatusBadRequest {
		t.Errorf("negative expected status = %d, want 400", code)
	}
}

func TestServer_ReadyAndSwagger(t *testing.T) {
	ts := startTestServer(t)

	var health endpoints.HealthResponse
	if code := ts.do(t, "GET", "/ready", nil, &health); code != http.StatusOK {
		t.Fatalf("ready status = %d", code)
	}
	if health.Store != "ok" {
		t.Errorf("ready = %+v", health)
	}

	var spec map[string]any
	if code := ts.do(t, "GET", "/swagger.json", nil, &spec); code != http.StatusOK {
		t.Fatalf("swagger status = %d", code)
	}
	if spec["swagger"] != "2.0" {
		t.Errorf("swagger version = %v", spec["swagger"])
	}
}

func TestServer_HotReloadAppliesPolicy(t *testing.T) {
	ts := startTestServer(t)
	ts.srv.configMgr.WatchConfig()
	time.Sleep(100 * time.Millisecond)

	port := ts.srv.configMgr.Get().Server.Port
	writeServerConfig(t, ts.cfgFile, port, "  token_budget: 4200\n  min_batch_size: 2\n")

	waitFor(t, "policy reload", func() bool {
		p := ts.srv.Coordinator().Policy()
		return p.TokenBudget == 4200 && p.MinBatchSize == 2
	})
}

func TestServer_StartTwice(t *testing.T) {
	ts := startTestServer(t)
	if err := ts.srv.Start(context.Background()); err == nil {
		t.Fatal("second Start() should fail while running")
	}
	if !ts.srv.IsRunning() {
		t.Error("server should still be running")
	}
}
