package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"testing"
	"time"
)

// PostgresTestConfig describes a throwaway Postgres container without
// importing pgdocker, which keeps testutil free of import cycles.
type PostgresTestConfig struct {
	ContainerName string
	HostPort      string
	DataPath      string
	Labels        map[string]string
}

// NewPostgresConfig reserves a free port and a unique container name for a
// Postgres container owned by t. The test is skipped under -short or when
// Docker is unavailable.
func NewPostgresConfig(t *testing.T) PostgresTestConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker-backed test in short mode")
	}

	// Registers cleanup of this test's containers.
	_ = DockerClient(t)

	port, err := FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port for postgres: %v", err)
	}
	return PostgresTestConfig{
		ContainerName: UniqueContainerName(t, "pg"),
		HostPort:      port,
		Labels:        ContainerLabels(t),
	}
}

// Logger returns a logger for tests. Output is discarded unless
// NEWSREEL_TEST_VERBOSE is set.
func Logger() *slog.Logger {
	var w io.Writer = io.Discard
	if os.Getenv("NEWSREEL_TEST_VERBOSE") != "" {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// WaitForServer polls the /health endpoint until it answers 200.
func WaitForServer(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(url + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}

// WaitForShutdown waits for a channel to receive a value or timeout.
func WaitForShutdown(done <-chan error, timeout time.Duration) error {
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for shutdown")
	}
}

// HTTPClient returns an HTTP client for making requests.
func HTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// FindFreePort finds an available TCP port and returns it as a string.
func FindFreePort() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer listener.Close()
	return fmt.Sprintf("%d", listener.Addr().(*net.TCPAddr).Port), nil
}

// StartServer is a helper type for managing server lifecycle in tests.
// Usage:
//
//	ctx, cancel := context.WithCancel(context.Background())
//	done := make(chan error, 1)
//	go func() { done <- srv.Start(ctx) }()
//	starter := testutil.StartServer{Cancel: cancel, Done: done}
//	t.Cleanup(starter.Stop)
type StartServer struct {
	Cancel context.CancelFunc
	Done   <-chan error
}

// Stop cancels the server context and waits for shutdown.
func (s *StartServer) Stop() {
	if s.Cancel != nil {
		s.Cancel()
	}
	if s.Done != nil {
		<-s.Done
	}
}
