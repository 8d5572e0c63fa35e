package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queued changes",
	Long: `Inspect and manage changes that have not reached the remote store yet.

Without a subcommand, lists the queue.

Examples:
  nestsync queue                List queued changes
  nestsync queue show 1a2b3c4d  Show one queued change in full
  nestsync queue drop 1a2b3c4d  Discard a queued change
  nestsync queue clear          Discard every queued change`,
	Run: runQueueList,
}

var queueJSON bool

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a queued change",
	Args:  cobra.ExactArgs(1),
	Run:   runQueueShow,
}

var queueDropCmd = &cobra.Command{
	Use:     "drop <id>",
	Aliases: []string{"rm"},
	Short:   "Discard a queued change",
	Long:    `Discard a queued change. The change is lost and will not reach the remote store.`,
	Args:    cobra.ExactArgs(1),
	Run:     runQueueDrop,
}

var queueClearForce bool

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued change",
	Run:   runQueueClear,
}

func init() {
	queueCmd.Flags().BoolVar(&queueJSON, "json", false, "Print the queue as JSON")
	queueClearCmd.Flags().BoolVarP(&queueClearForce, "force", "f", false, "Do not ask for confirmation")

	queueCmd.AddCommand(queueShowCmd)
	queueCmd.AddCommand(queueDropCmd)
	queueCmd.AddCommand(queueClearCmd)
}

func runQueueList(cmd *cobra.Command, args []string) {
	c := initFullContext(context.Background())
	defer c.Close()

	ops := c.App.Queue.List()
	if queueJSON {
		printJSON(ops)
		return
	}
	if len(ops) == 0 {
		fmt.Println("Queue is empty")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, op := range ops {
		yellow.Printf("%s", shortID(op.ID))
		fmt.Printf("  %-6s %s/%s  queued %s", op.Kind, op.Table, op.RecordID, op.EnqueuedAt.Local().Format("2006-01-02 15:04"))
		if op.Attempts > 0 {
			fmt.Printf("  attempts %d/%d", op.Attempts, op.MaxAttempts)
		}
		fmt.Println()
		if op.Context != "" {
			fmt.Printf("    %s\n", op.Context)
		}
	}
}

// findOp resolves a full or abbreviated operation id.
func findOp(ops []*models.QueuedOperation, prefix string) *models.QueuedOperation {
	var match *models.QueuedOperation
	for _, op := range ops {
		if op.ID == prefix {
			return op
		}
		if strings.HasPrefix(op.ID, prefix) {
			if match != nil {
				exitError("ambiguous operation id '%s'", prefix)
			}
			match = op
		}
	}
	return match
}

func runQueueShow(cmd *cobra.Command, args []string) {
	c := initFullContext(context.Background())
	defer c.Close()

	op := findOp(c.App.Queue.List(), args[0])
	if op == nil {
		exitError("no queued change '%s'", args[0])
	}
	printJSON(op)
}

func runQueueDrop(cmd *cobra.Command, args []string) {
	c := initFullContext(context.Background())
	defer c.Close()

	op := findOp(c.App.Queue.List(), args[0])
	if op == nil {
		exitError("no queued change '%s'", args[0])
	}
	if err := c.App.Queue.Dequeue(op.ID); err != nil {
		exitError("failed to drop change: %v", err)
	}
	fmt.Printf("Dropped %s %s/%s\n", op.Kind, op.Table, op.RecordID)
}

func runQueueClear(cmd *cobra.Command, args []string) {
	c := initFullContext(context.Background())
	defer c.Close()

	n := c.App.Queue.Size()
	if n == 0 {
		fmt.Println("Queue is empty")
		return
	}
	if !queueClearForce && !confirm(fmt.Sprintf("Discard %d queued change(s)?", n)) {
		fmt.Println("Aborted")
		return
	}
	if err := c.App.Queue.Clear(); err != nil {
		exitError("failed to clear queue: %v", err)
	}
	fmt.Printf("Discarded %d change(s)\n", n)
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		exitError("failed to encode: %v", err)
	}
}
