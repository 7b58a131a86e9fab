package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/newsreel/internal/config"
	"github.com/jackzampolin/newsreel/internal/home"
	"github.com/jackzampolin/newsreel/internal/server"
)

var (
	serveHost     string
	servePort     string
	serveLogLevel string
	serveSpecPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the newsreel server",
	Long: `Start the newsreel HTTP server.

This opens the configured store, starts the batch workers and the lease
janitor, and serves the webhook API. With store.postgres.managed set, a
Postgres container is started first and stopped on shutdown.

Config changes to the coordinator section are applied without a restart.

The server provides:
  - POST /ai/episodeLimitCheck      - Enqueue a batch attempt
  - POST /ai/refineText             - Refine parsed newsletter text
  - PUT  /users/{user_id}/expected  - Record expected webhook volume
  - GET  /users/{user_id}/progress  - Cycle progress
  - GET  /health, /ready, /status

Examples:
  newsreel serve                    # Start on default port 8080
  newsreel serve --port 3000        # Start on custom port
  newsreel serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}

		mgr, err := loadConfig(h)
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		level := cfg.Log.Level
		if cmd.Flags().Changed("log-level") {
			level = serveLogLevel
		}
		logger, err := newLogger(level)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		if f := mgr.ConfigFileUsed(); f != "" {
			logger.Info("loaded config", "file", f)
			mgr.WatchConfig()
		}

		srv, err := server.New(server.Config{
			Host:            serveHost,
			Port:            servePort,
			ConfigManager:   mgr,
			Home:            h,
			SwaggerSpecPath: serveSpecPath,
			Logger:          logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default from server.host)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default from server.port)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&serveSpecPath, "swagger-spec", "", "Serve this swagger.json instead of the embedded one")

	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads --config, or the config in the home directory when it
// exists, or ./config.yaml.
func loadConfig(h *home.Dir) (*config.Manager, error) {
	path := cfgFile
	if path == "" && h.ConfigExists() {
		path = h.ConfigPath()
	}
	return config.NewManager(path)
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l})), nil
}
