package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/newsreel/internal/api"
	"github.com/jackzampolin/newsreel/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "newsreel",
	Short: "Turns a user's newsletters into generated episodes",
	Long: `Newsreel batches refined newsletter emails into episodes.

Webhooks report newly stored newsletters. Newsreel claims unclaimed records,
fits them into a token budget, asks the model for an episode, and marks the
records finalized. Once every expected webhook for a user has been handled
the user's completion flag is set.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.newsreel/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "newsreel home directory (default: ~/.newsreel)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
