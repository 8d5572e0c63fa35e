// Package cli implements the command-line interface for nestsync.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kilupskalvis/nestsync/internal/app"
	"github.com/kilupskalvis/nestsync/internal/config"
	"github.com/kilupskalvis/nestsync/internal/notify"
	"github.com/spf13/cobra"
)

var verbose bool

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	App    *app.App
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.App != nil {
		c.App.Close()
	}
}

// initContext loads the workspace config
func initContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}
	cfg.ApplyEnv(os.Getenv)
	return &cmdContext{Config: cfg}
}

// initFullContext loads the config, opens the agent and probes the remote
func initFullContext(ctx context.Context) *cmdContext {
	c := initContext()
	if err := c.Config.Validate(); err != nil {
		exitError("invalid config: %v", err)
	}

	a, err := app.Open(ctx, c.Config, app.Options{
		Logger:   cliLogger(),
		Notifier: notify.NewConsoleNotifier(os.Stderr),
	})
	if err != nil {
		exitError("%v", err)
	}
	c.App = a
	a.Probe(ctx)
	return c
}

func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

var rootCmd = &cobra.Command{
	Use:   "nestsync",
	Short: "Offline-first sync for breeding records",
	Long: `nestsync keeps breeding records editable without a connection. Changes are
applied locally, queued while offline, and replayed against the remote store
when the network comes back. Conflicting edits are detected and either
resolved automatically or held for your decision.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(mutateCmd)
	rootCmd.AddCommand(configCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
