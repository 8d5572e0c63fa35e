package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/kilupskalvis/nestsync/internal/app"
	"github.com/kilupskalvis/nestsync/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a nestsync workspace",
	Long: `Initialize a nestsync workspace in the current directory.
This creates a .nestsync directory holding the configuration and the offline queue.`,
	Run: runInit,
}

var (
	initURL     string
	initKind    string
	initBackend string
	initDevice  string
	initTables  []string
)

func init() {
	initCmd.Flags().StringVar(&initURL, "url", "http://localhost:54321", "Remote store URL, or DSN for postgres")
	initCmd.Flags().StringVar(&initKind, "remote", config.RemoteREST, "Remote kind (rest, postgres, weaviate)")
	initCmd.Flags().StringVar(&initBackend, "queue", config.QueueBolt, "Queue backend (bolt, sqlite, file, s3)")
	initCmd.Flags().StringVar(&initDevice, "device", "", "Name of this device")
	initCmd.Flags().StringSliceVar(&initTables, "tables", nil, "Tables to provision on the remote (weaviate only)")
}

func runInit(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	// Check if already initialized
	if _, err := config.FindRoot(); err == nil {
		exitError("nestsync workspace already exists")
	}

	fmt.Printf("Initializing nestsync workspace...\n")
	fmt.Printf("Remote: %s %s\n", initKind, initURL)

	cfg, err := config.InitializeAt(mustGetwd(), initKind, initURL)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}
	cfg.Device = initDevice
	cfg.Queue.Backend = initBackend
	cfg.Remote.Tables = initTables
	if err := cfg.Validate(); err != nil {
		os.RemoveAll(cfg.Path())
		exitError("invalid settings: %v", err)
	}
	if err := cfg.Save(); err != nil {
		exitError("failed to save config: %v", err)
	}

	// Create the queue store and check the remote once
	a, err := app.Open(ctx, cfg, app.Options{Logger: cliLogger()})
	if err != nil {
		exitError("failed to open queue: %v", err)
	}
	defer a.Close()

	fmt.Printf("Checking remote...\n")
	if a.Probe(ctx) {
		fmt.Printf("Remote is reachable\n")
		if err := a.Provision(ctx); err != nil {
			fmt.Printf("Warning: failed to provision tables: %v\n", err)
		}
	} else {
		fmt.Printf("Warning: remote is not reachable, changes will be queued\n")
	}

	fmt.Printf("\nInitialized nestsync workspace in %s/\n", config.Dir)
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}
	return wd
}
