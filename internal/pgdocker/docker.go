// Package pgdocker runs the Postgres store backend in a local Docker
// container for development and integration tests.
package pgdocker

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	_ "github.com/lib/pq"
)

const (
	DefaultImage         = "postgres:16-alpine"
	DefaultContainerName = "newsreel-postgres"
	DefaultPort          = "5432"
	DefaultUser          = "newsreel"
	DefaultPassword      = "newsreel"
	DefaultDatabase      = "newsreel"
	ContainerPort        = "5432/tcp"
	DataDir              = "/var/lib/postgresql/data"
	Label                = "newsreel-postgres"
)

// ContainerStatus represents the state of the Postgres container.
type ContainerStatus string

const (
	StatusRunning  ContainerStatus = "running"
	StatusStopped  ContainerStatus = "stopped"
	StatusNotFound ContainerStatus = "not_found"
	StatusStarting ContainerStatus = "starting"
)

// Config holds configuration for the container manager.
type Config struct {
	ContainerName string
	Image         string
	DataPath      string // host directory bind-mounted as the data dir; empty uses the container filesystem
	HostPort      string
	User          string
	Password      string
	Database      string
	Labels        map[string]string // extra labels, used for test cleanup
}

// Manager manages the Postgres container lifecycle.
type Manager struct {
	cli           *client.Client
	containerName string
	imageName     string
	dataPath      string
	hostPort      string
	user          string
	password      string
	database      string
	labels        map[string]string
}

// NewManager creates a manager talking to the local Docker daemon.
func NewManager(cfg Config) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if cfg.ContainerName == "" {
		cfg.ContainerName = DefaultContainerName
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.HostPort == "" {
		cfg.HostPort = DefaultPort
	}
	if cfg.User == "" {
		cfg.User = DefaultUser
	}
	if cfg.Password == "" {
		cfg.Password = DefaultPassword
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}

	labels := map[string]string{Label: "true"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &Manager{
		cli:           cli,
		containerName: cfg.ContainerName,
		imageName:     cfg.Image,
		dataPath:      cfg.DataPath,
		hostPort:      cfg.HostPort,
		user:          cfg.User,
		password:      cfg.Password,
		database:      cfg.Database,
		labels:        labels,
	}, nil
}

// Close closes the Docker client.
func (m *Manager) Close() error {
	return m.cli.Close()
}

// DSN returns the connection string for the managed database.
func (m *Manager) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(m.user, m.password),
		Host:     "127.0.0.1:" + m.hostPort,
		Path:     "/" + m.database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Start starts the container, creating it if needed, and waits until the
// database accepts connections.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}

	status, containerID, err := m.containerStatus(ctx)
	if err != nil {
		return err
	}

	switch status {
	case StatusRunning:
		return m.WaitReady(ctx, 30*time.Second)
	case StatusStopped:
		if err := m.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start existing container: %w", err)
		}
		return m.WaitReady(ctx, 30*time.Second)
	case StatusNotFound:
		return m.createAndStart(ctx)
	default:
		return fmt.Errorf("container in unexpected state: %s", status)
	}
}

// Stop stops the container. A missing container is not an error.
func (m *Manager) Stop(ctx context.Context) error {
	status, containerID, err := m.containerStatus(ctx)
	if err != nil {
		return err
	}
	if status == StatusNotFound {
		return nil
	}

	timeout := 10
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove stops and removes the container and its anonymous volumes.
func (m *Manager) Remove(ctx context.Context) error {
	status, containerID, err := m.containerStatus(ctx)
	if err != nil {
		return err
	}
	if status == StatusNotFound {
		return nil
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Status returns the current container state.
func (m *Manager) Status(ctx context.Context) (ContainerStatus, error) {
	status, _, err := m.containerStatus(ctx)
	return status, err
}

// Logs returns the last tail lines of container output.
func (m *Manager) Logs(ctx context.Context, tail string) (string, error) {
	status, containerID, err := m.containerStatus(ctx)
	if err != nil {
		return "", err
	}
	if status == StatusNotFound {
		return "", fmt.Errorf("container not found")
	}

	logs, err := m.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer logs.Close()

	b, err := io.ReadAll(logs)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(b), nil
}

// ValidateExisting checks that an existing container is bound to the
// configured port.
func (m *Manager) ValidateExisting(ctx context.Context) error {
	status, containerID, err := m.containerStatus(ctx)
	if err != nil {
		return err
	}
	if status == StatusNotFound {
		return nil
	}

	info, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := info.HostConfig.PortBindings[ContainerPort]
	if len(bindings) == 0 {
		return fmt.Errorf("existing container has no port binding for %s", ContainerPort)
	}
	if bound := bindings[0].HostPort; bound != m.hostPort {
		return fmt.Errorf("existing container bound to port %s, expected %s", bound, m.hostPort)
	}
	return nil
}

// WaitReady pings the database once a second until it answers or timeout
// passes.
func (m *Manager) WaitReady(ctx context.Context, timeout time.Duration) error {
	db, err := sql.Open("postgres", m.DSN())
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	attempts := uint(timeout / time.Second)
	if attempts == 0 {
		attempts = 1
	}
	return retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func (m *Manager) createAndStart(ctx context.Context) error {
	if err := m.ensureImage(ctx); err != nil {
		return err
	}

	containerConfig := &container.Config{
		Image: m.imageName,
		Env: []string{
			"POSTGRES_USER=" + m.user,
			"POSTGRES_PASSWORD=" + m.password,
			"POSTGRES_DB=" + m.database,
		},
		Labels: m.labels,
		ExposedPorts: nat.PortSet{
			ContainerPort: struct{}{},
		},
		Healthcheck: &container.HealthConfig{
			Test:        []string{"CMD-SHELL", "pg_isready -U " + m.user},
			Interval:    2 * time.Second,
			Timeout:     5 * time.Second,
			Retries:     10,
			StartPeriod: 3 * time.Second,
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			ContainerPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: m.hostPort},
			},
		},
	}
	if m.dataPath != "" {
		hostConfig.Mounts = []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: m.dataPath,
				Target: DataDir,
			},
		}
	}

	resp, err := m.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, m.containerName)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container: %w", err)
	}

	return m.WaitReady(ctx, 60*time.Second)
}

func (m *Manager) containerStatus(ctx context.Context) (ContainerStatus, string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("name", m.containerName)

	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return StatusNotFound, "", nil
	}

	c := containers[0]
	switch c.State {
	case "running":
		return StatusRunning, c.ID, nil
	case "exited", "dead":
		return StatusStopped, c.ID, nil
	case "created", "restarting":
		return StatusStarting, c.ID, nil
	default:
		return ContainerStatus(c.State), c.ID, nil
	}
}

func (m *Manager) ensureImage(ctx context.Context) error {
	if _, err := m.cli.ImageInspect(ctx, m.imageName); err == nil {
		return nil
	}

	reader, err := m.cli.ImagePull(ctx, m.imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}
