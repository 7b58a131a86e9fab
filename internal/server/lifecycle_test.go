package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackzampolin/newsreel/internal/config"
	"github.com/jackzampolin/newsreel/internal/home"
	"github.com/jackzampolin/newsreel/internal/pgdocker"
	"github.com/jackzampolin/newsreel/internal/providers"
	"github.com/jackzampolin/newsreel/internal/server/endpoints"
	"github.com/jackzampolin/newsreel/internal/testutil"
)

// TestServer_ManagedPostgresLifecycle starts the server against a managed
// Postgres container. Requires Docker.
func TestServer_ManagedPostgresLifecycle(t *testing.T) {
	pg := testutil.NewPostgresConfig(t)

	port, err := testutil.FindFreePort()
	if err != nil {
		t.Fatalf("FindFreePort() error = %v", err)
	}
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: "%s"
store:
  driver: postgres
  postgres:
    managed: true
    container:
      name: %s
      port: "%s"
      data_path: %s
      password: lifecycle
`, port, pg.ContainerName, pg.HostPort, filepath.Join(dir, "pgdata"))
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		t.Fatalf("config.NewManager() error = %v", err)
	}
	h, _ := home.New(dir)

	// The server creates the container itself, so it carries no test labels.
	t.Cleanup(func() {
		pm, err := pgdocker.NewManager(mgr.Get().ToPostgresContainerConfig(h.PostgresPath()))
		if err != nil {
			return
		}
		defer pm.Close()
		_ = pm.Remove(context.Background())
	})

	srv, err := New(Config{
		ConfigManager: mgr,
		Home:          h,
		Client:        providers.NewMockClient(),
		Logger:        testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	serverCtx, serverCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- srv.Start(serverCtx) }()

	baseURL := "http://" + srv.Addr()
	if err := testutil.WaitForServer(baseURL, 2*time.Minute); err != nil {
		serverCancel()
		<-done
		t.Fatalf("server did not start: %v", err)
	}

	ts := &testServer{srv: srv, baseURL: baseURL}

	var status endpoints.StatusResponse
	if code := ts.do(t, "GET", "/status", nil, &status); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if status.Store.Driver != "postgres" || status.Store.Health != "healthy" {
		t.Errorf("store status = %+v", status.Store)
	}
	if status.Postgres == nil || status.Postgres.Container != "running" {
		t.Errorf("postgres status = %+v", status.Postgres)
	}

	serverCancel()
	if err := testutil.WaitForShutdown(done, time.Minute); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}
	if srv.IsRunning() {
		t.Error("server should not be running after shutdown")
	}
}
