package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and queue status",
	Long:  `Show whether the remote store is reachable and how many changes are waiting to sync.`,
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	c := initFullContext(context.Background())
	defer c.Close()

	a := c.App
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	fmt.Printf("Remote: %s ", c.Config.Remote.Kind)
	if a.Network.IsOnline() {
		green.Println("(online)")
	} else {
		red.Println("(offline)")
	}
	fmt.Printf("Queue backend: %s\n", c.Config.Queue.Backend)

	if last, ok := a.LastDrain(); ok {
		fmt.Printf("Last sync: %s (%s ago)\n", last.Local().Format(time.DateTime), time.Since(last).Round(time.Second))
	}

	ops := a.Queue.List()
	if len(ops) == 0 {
		fmt.Println("\nNothing to sync, all changes are saved")
		return
	}

	fmt.Printf("\n%d change(s) waiting to sync:\n", len(ops))
	for _, op := range ops {
		fmt.Printf("  %s  %-6s %s/%s", shortID(op.ID), op.Kind, op.Table, op.RecordID)
		if op.Context != "" {
			fmt.Printf("  %q", op.Context)
		}
		if op.Attempts > 0 {
			yellow.Printf("  (%d/%d attempts: %s)", op.Attempts, op.MaxAttempts, op.LastError)
		}
		fmt.Println()
	}
	fmt.Println("\n  (use \"nestsync drain\" to sync now)")
}
