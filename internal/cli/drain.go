package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/spf13/cobra"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Sync queued changes now",
	Long: `Replay queued changes against the remote store.

Conflicts that cannot be resolved automatically stay queued. Use --on-conflict
to settle them during this run:

  nestsync drain --on-conflict=local   Keep your version
  nestsync drain --on-conflict=remote  Adopt the remote version`,
	Run: runDrain,
}

var drainOnConflict string

func init() {
	drainCmd.Flags().StringVar(&drainOnConflict, "on-conflict", "", "Resolve blocking conflicts (local, remote)")
}

func runDrain(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	strategy := models.ResolutionStrategy(drainOnConflict)
	if drainOnConflict != "" && (!strategy.Valid() || strategy == models.ResolveMerge) {
		exitError("--on-conflict must be 'local' or 'remote'")
	}

	c := initFullContext(ctx)
	defer c.Close()
	a := c.App

	if !a.Network.IsOnline() {
		exitError("remote is not reachable, %d change(s) stay queued", a.Queue.Size())
	}

	res := a.Engine.Drain(ctx)

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	if res.Empty() {
		fmt.Println("Nothing to sync")
		return
	}
	green.Printf("%d synced\n", res.Succeeded)
	for _, r := range res.Resolved {
		fmt.Printf("  auto-resolved %s/%s toward remote\n", r.Table, r.ID)
	}
	if res.Retrying > 0 {
		yellow.Printf("%d will be retried\n", res.Retrying)
	}
	for _, f := range res.Failed {
		red.Printf("failed: %s %s/%s: %s\n", f.Operation.Kind, f.Operation.Table, f.Operation.RecordID, f.Error)
	}

	for _, cr := range res.Conflicts {
		yellow.Printf("conflict: %s/%s (score %d)\n", cr.Table, cr.ID, cr.ConflictScore)
		for _, fc := range cr.FieldConflicts {
			fmt.Printf("    %-16s local=%v remote=%v [%s]\n", fc.Field, fc.LocalValue, fc.RemoteValue, fc.Severity)
		}
		if strategy == "" {
			continue
		}
		if _, err := a.Engine.Resolve(ctx, cr.Key(), strategy, nil); err != nil {
			red.Printf("    could not resolve: %v\n", err)
			continue
		}
		green.Printf("    resolved with %s version\n", strategy)
	}
	if len(res.Conflicts) > 0 && strategy == "" {
		fmt.Println("\n  (use \"nestsync drain --on-conflict=local|remote\" to settle conflicts)")
	}
}
