package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/newsreel/internal/api"
	"github.com/jackzampolin/newsreel/internal/config"
	"github.com/jackzampolin/newsreel/internal/coordinator"
	"github.com/jackzampolin/newsreel/internal/home"
	"github.com/jackzampolin/newsreel/internal/pgdocker"
	"github.com/jackzampolin/newsreel/internal/providers"
	"github.com/jackzampolin/newsreel/internal/server/endpoints"
	"github.com/jackzampolin/newsreel/internal/store"
	"github.com/jackzampolin/newsreel/internal/svcctx"
	"github.com/jackzampolin/newsreel/internal/tokens"
)

const (
	shutdownTimeout  = 30 * time.Second
	postgresReadyTTL = 60 * time.Second
)

// Server is the main newsreel HTTP server.
// It owns the store and the coordinator, and the Postgres container when
// store.postgres.managed is set.
type Server struct {
	httpServer  *http.Server
	pgManager   *pgdocker.Manager
	store       store.Store
	coordinator *coordinator.Coordinator
	client      providers.LLMClient
	configMgr   *config.Manager
	home        *home.Dir
	logger      *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host and Port override server.host / server.port when set.
	Host string
	Port string
	// ConfigManager provides configuration with hot-reload support (required)
	ConfigManager *config.Manager
	// Home is the newsreel home directory (required)
	Home *home.Dir
	// Client replaces the OpenAI client (tests).
	Client providers.LLMClient
	// SwaggerSpecPath is the swagger.json served at /swagger.json
	SwaggerSpecPath string
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.ConfigManager == nil {
		return nil, errors.New("server requires a config manager")
	}
	if cfg.Home == nil {
		return nil, errors.New("server requires a home directory")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := cfg.ConfigManager.Get()
	if cfg.Host == "" {
		cfg.Host = c.Server.Host
	}
	if cfg.Port == "" {
		cfg.Port = c.Server.Port
	}

	s := &Server{
		client:    cfg.Client,
		configMgr: cfg.ConfigManager,
		home:      cfg.Home,
		logger:    cfg.Logger,
	}

	if c.Store.Driver == "postgres" && c.Store.Postgres.Managed {
		mgr, err := pgdocker.NewManager(c.ToPostgresContainerConfig(cfg.Home.PostgresPath()))
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres manager: %w", err)
		}
		s.pgManager = mgr
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{
		PostgresManager: s.pgManager,
		SwaggerSpecPath: cfg.SwaggerSpecPath,
	}) {
		s.endpointRegistry.Register(ep)
	}

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withServices(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start opens the store, starts the coordinator and serves HTTP.
// It blocks until the context is cancelled or an error occurs, then drains
// the coordinator and closes the store.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()
	defer s.setNotRunning()

	cfg := s.configMgr.Get()
	storeCfg := cfg.ToStoreConfig(s.home.DatabasePath())

	if s.pgManager != nil {
		dsn, err := s.startPostgres(ctx)
		if err != nil {
			s.closePostgres()
			return err
		}
		storeCfg.Postgres.DSN = dsn
	}

	st, err := store.Open(storeCfg, s.logger)
	if err != nil {
		s.closePostgres()
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.logger.Info("store ready", "driver", st.Driver())

	client := s.client
	if client == nil {
		client = providers.NewOpenAIClient(cfg.ToOpenAIConfig())
	}

	coord, err := coordinator.New(coordinator.Config{
		Store:             st,
		Client:            client,
		Policy:            cfg.ToPolicy(),
		Workers:           cfg.Coordinator.Workers,
		QueueSize:         cfg.Coordinator.QueueSize,
		CompletionStripes: cfg.Coordinator.CompletionStripes,
		SweepSchedule:     cfg.Coordinator.SweepSchedule,
		EpisodeModel:      cfg.OpenAI.EpisodeModel,
		RefineModel:       cfg.OpenAI.RefineModel,
		GenerationTimeout: cfg.OpenAI.Timeout,
		Counter:           tokens.NewCounter(cfg.OpenAI.EpisodeModel, s.logger),
		OnComplete: []coordinator.CompletionHook{func(ctx context.Context, userID string) {
			s.logger.Info("cycle complete", "user_id", userID)
		}},
		Logger: s.logger,
	})
	if err != nil {
		_ = st.Close()
		s.closePostgres()
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	// Tasks run on their own context so a shutdown signal drains the queue
	// instead of abandoning it.
	if err := coord.Start(context.WithoutCancel(ctx)); err != nil {
		_ = st.Close()
		s.closePostgres()
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	s.configMgr.OnChange(func(c *config.Config) {
		coord.ApplyPolicy(c.ToPolicy())
	})

	s.mu.Lock()
	s.store = st
	s.coordinator = coord
	s.services = &svcctx.Services{
		Coordinator:   coord,
		Store:         st,
		ConfigManager: s.configMgr,
		Logger:        s.logger,
		Home:          s.home,
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	serveErr := g.Wait()
	return errors.Join(serveErr, s.shutdown())
}

func (s *Server) startPostgres(ctx context.Context) (string, error) {
	if err := s.pgManager.ValidateExisting(ctx); err != nil {
		return "", fmt.Errorf("existing postgres container incompatible: %w", err)
	}

	s.logger.Info("starting postgres container")
	if err := s.pgManager.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start postgres: %w", err)
	}
	if err := s.pgManager.WaitReady(ctx, postgresReadyTTL); err != nil {
		return "", fmt.Errorf("postgres not ready: %w", err)
	}
	s.logger.Info("postgres is ready")
	return s.pgManager.DSN(), nil
}

// shutdown drains the coordinator, then closes the store and the container.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.mu.Lock()
	coord, st := s.coordinator, s.store
	s.services = nil
	s.mu.Unlock()

	var errs []error
	if coord != nil {
		if err := coord.Stop(ctx); err != nil {
			s.logger.Error("coordinator stop error", "error", err)
			errs = append(errs, err)
		}
	}
	if st != nil {
		if err := st.Close(); err != nil {
			s.logger.Error("store close error", "error", err)
			errs = append(errs, err)
		}
	}
	if s.pgManager != nil {
		s.logger.Info("stopping postgres")
		if err := s.pgManager.Stop(ctx); err != nil {
			s.logger.Error("postgres stop error", "error", err)
		}
		s.closePostgres()
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closePostgres() {
	if s.pgManager == nil {
		return
	}
	if err := s.pgManager.Close(); err != nil {
		s.logger.Error("postgres manager close error", "error", err)
	}
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Coordinator returns the episode coordinator.
// Returns nil if the server hasn't started yet.
func (s *Server) Coordinator() *coordinator.Coordinator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coordinator
}

// Store returns the open store.
// Returns nil if the server hasn't started yet.
func (s *Server) Store() store.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the root handler, for tests that drive it with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.mu.RLock()
		services := s.services
		s.mu.RUnlock()
		if services != nil {
			ctx = svcctx.WithServices(ctx, services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable if the store or coordinator aren't ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcctx.CoordinatorFrom(r.Context()) == nil || svcctx.StoreFrom(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
