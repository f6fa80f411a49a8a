// Command ideacheck runs the business idea validation assistant: an HTTP API
// assembling agent streams into stored messages, a terminal chat and
// maintenance commands.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nstogner/ideacheck/pkg/config"
)

var (
	configPath string
	verbose    bool

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ideacheck",
	Short: "Validate business ideas with a streaming research agent",
	Long: `ideacheck talks to a research agent and assembles its streamed events
into durable conversation threads.

Commands:
  serve    - Run the HTTP and WebSocket API
  chat     - Chat with the agent in the terminal
  replay   - Rebuild a message from a recorded event stream
  recover  - Finalize messages left streaming by a crashed process`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		// The chat UI owns the terminal, so it logs to a file instead.
		if cmd != chatCmd {
			setupLogging(cfg, os.Stderr)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ideacheck.yaml", "Config file (missing file uses defaults)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(recoverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(c *config.Config, w *os.File) {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	var handler slog.Handler
	if c.Logging.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}
