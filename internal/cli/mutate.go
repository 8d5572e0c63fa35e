package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/spf13/cobra"
)

var mutateCmd = &cobra.Command{
	Use:   "mutate <table> <insert|update|delete> <json>",
	Short: "Apply a change, queueing it when offline",
	Long: `Apply a change to a record. The change is sent to the remote store right
away when it is reachable and queued otherwise.

Examples:
  nestsync mutate birds insert '{"name":"Kiwi","species":"budgerigar"}'
  nestsync mutate eggs update '{"id":"e1","status":"hatched"}' -m "Egg hatched"
  nestsync mutate pairs delete '{"id":"p7"}'`,
	Args: cobra.ExactArgs(3),
	Run:  runMutate,
}

var mutateLabel string

func init() {
	mutateCmd.Flags().StringVarP(&mutateLabel, "message", "m", "", "Describe the change for notifications")
}

func runMutate(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	table, kind := args[0], models.OperationKind(args[1])
	if !kind.Valid() {
		exitError("unknown operation '%s' (use insert, update or delete)", args[1])
	}

	var payload models.Record
	if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
		exitError("invalid JSON payload: %v", err)
	}

	c := initFullContext(ctx)
	defer c.Close()

	res := c.App.Facade.Mutate(ctx, table, kind, payload, mutateLabel)
	switch {
	case res.Error != nil:
		exitError("%v", res.Error)
	case res.Queued:
		color.New(color.FgYellow).Printf("queued")
		fmt.Printf(" %s %s/%s (operation %s)\n", kind, table, res.RecordID, shortID(res.OperationID))
	default:
		color.New(color.FgGreen).Printf("saved")
		fmt.Printf(" %s %s/%s\n", kind, table, res.RecordID)
	}
}
