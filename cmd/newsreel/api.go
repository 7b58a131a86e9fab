package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/newsreel/internal/server/endpoints"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running newsreel server via HTTP.

These commands require a running server (newsreel serve).
Use --server to specify a custom server URL.

Examples:
  newsreel api health                          # Check server health
  newsreel api status                          # Thresholds, pool, leases
  newsreel api ai episode-check u1 --record r1 # Send an episode webhook
  newsreel api users progress u1               # Cycle progress`,
}

var aiCmd = &cobra.Command{
	Use:   "ai",
	Short: "Webhook commands (episode checks, text refinement)",
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Per-user cycle commands",
}

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	// Add --server flag to api command (persistent so all subcommands inherit it)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)

	// Health endpoints at top level of api
	apiCmd.AddCommand((&endpoints.HealthEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.ReadyEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.StatusEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.SwaggerEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.SwaggerUIEndpoint{}).Command(getServerURL))

	// Webhooks as subcommand group
	aiCmd.AddCommand((&endpoints.EpisodeLimitCheckEndpoint{}).Command(getServerURL))
	aiCmd.AddCommand((&endpoints.RefineTextEndpoint{}).Command(getServerURL))

	// Users as subcommand group
	usersCmd.AddCommand((&endpoints.SetExpectedEndpoint{}).Command(getServerURL))
	usersCmd.AddCommand((&endpoints.ProgressEndpoint{}).Command(getServerURL))
	usersCmd.AddCommand((&endpoints.ListEpisodesEndpoint{}).Command(getServerURL))

	apiCmd.AddCommand(aiCmd)
	apiCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(apiCmd)
}
