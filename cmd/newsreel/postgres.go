package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/newsreel/internal/home"
	"github.com/jackzampolin/newsreel/internal/pgdocker"
)

var postgresCmd = &cobra.Command{
	Use:   "postgres",
	Short: "Manage the local Postgres container",
	Long: `Manage a local Postgres container for the postgres store driver.

The database runs in a Docker container with data persisted to
~/.newsreel/postgres/ (store.postgres.container.data_path).

Examples:
  newsreel postgres start   # Start the Postgres container
  newsreel postgres stop    # Stop the container (data preserved)
  newsreel postgres status  # Check container status
  newsreel postgres logs    # View container logs`,
}

var postgresStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Postgres container",
	Long: `Start the Postgres container.

If the container doesn't exist, it will be created and started.
If it exists but is stopped, it will be started.
If it's already running, this is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Starting Postgres...")
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start Postgres: %w", err)
		}

		timeout, _ := cmd.Flags().GetDuration("timeout")
		if err := mgr.WaitReady(ctx, timeout); err != nil {
			return fmt.Errorf("Postgres not ready: %w", err)
		}

		fmt.Println("Postgres is running")
		return nil
	},
}

var postgresStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Postgres container",
	Long: `Stop the Postgres container.

This stops the container but preserves data. Use 'newsreel postgres start'
to restart it later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Stopping Postgres...")
		if err := mgr.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop Postgres: %w", err)
		}

		fmt.Println("Postgres stopped")
		return nil
	},
}

var postgresStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Postgres container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		status, err := mgr.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		switch status {
		case pgdocker.StatusRunning:
			fmt.Printf("Status: %s\n", status)
			if err := mgr.WaitReady(ctx, 2*time.Second); err != nil {
				fmt.Printf("Health: unhealthy (%v)\n", err)
			} else {
				fmt.Println("Health: healthy")
			}
		case pgdocker.StatusStopped:
			fmt.Printf("Status: %s (use 'newsreel postgres start' to start)\n", status)
		case pgdocker.StatusNotFound:
			fmt.Printf("Status: %s (use 'newsreel postgres start' to create)\n", status)
		default:
			fmt.Printf("Status: %s\n", status)
		}

		return nil
	},
}

var logsTail string

var postgresLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show Postgres container logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		logs, err := mgr.Logs(ctx, logsTail)
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}

		fmt.Print(logs)
		return nil
	},
}

var postgresRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the Postgres container",
	Long: `Remove the Postgres container.

This stops and removes the container. The data directory is NOT deleted,
only the container is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Removing Postgres container...")
		if err := mgr.Remove(ctx); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}

		fmt.Println("Postgres container removed (data preserved)")
		return nil
	},
}

func init() {
	postgresCmd.AddCommand(postgresStartCmd)
	postgresCmd.AddCommand(postgresStopCmd)
	postgresCmd.AddCommand(postgresStatusCmd)
	postgresCmd.AddCommand(postgresLogsCmd)
	postgresCmd.AddCommand(postgresRemoveCmd)

	postgresLogsCmd.Flags().StringVar(&logsTail, "tail", "100", "Number of lines to show from the end")
	postgresStartCmd.Flags().Duration("timeout", 60*time.Second, "Timeout waiting for Postgres")

	rootCmd.AddCommand(postgresCmd)
}

// getHome returns the home directory manager.
func getHome() (*home.Dir, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	return h, nil
}

// getPostgresManager creates a pgdocker.Manager from the loaded config.
func getPostgresManager() (*pgdocker.Manager, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}
	cm, err := loadConfig(h)
	if err != nil {
		return nil, err
	}
	return pgdocker.NewManager(cm.Get().ToPostgresContainerConfig(h.PostgresPath()))
}
