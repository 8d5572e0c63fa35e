package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/kilupskalvis/nestsync/internal/agent"
	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List conflicts held by the running agent",
	Long: `List conflicts that the running nestsyncd agent is holding for a decision.
The agent address comes from agent.listen in the config; set NESTSYNC_AGENT_TOKEN
if the agent requires a token.`,
	Run: runConflicts,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <table> <id>",
	Short: "Settle a conflict held by the running agent",
	Long: `Settle a conflict held by the running nestsyncd agent.

Examples:
  nestsync resolve birds b1 --strategy=local
  nestsync resolve birds b1 --strategy=remote
  nestsync resolve birds b1 --strategy=merge --merged '{"name":"Kiwi","ring":"NZ-42"}'`,
	Args: cobra.ExactArgs(2),
	Run:  runResolve,
}

var (
	resolveStrategy string
	resolveMerged   string
)

func init() {
	resolveCmd.Flags().StringVar(&resolveStrategy, "strategy", "", "Resolution strategy (local, remote, merge)")
	resolveCmd.Flags().StringVar(&resolveMerged, "merged", "", "Merged record as JSON, for --strategy=merge")
	resolveCmd.MarkFlagRequired("strategy")

	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)
}

func agentClient() *agent.Client {
	c := initContext()
	return agent.NewClient(c.Config.Agent.Listen, os.Getenv("NESTSYNC_AGENT_TOKEN"))
}

func runConflicts(cmd *cobra.Command, args []string) {
	conflicts, err := agentClient().Conflicts(context.Background())
	if err != nil {
		exitError("%v (is nestsyncd running?)", err)
	}
	if len(conflicts) == 0 {
		fmt.Println("No conflicts")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, c := range conflicts {
		yellow.Printf("%s/%s", c.Table, c.ID)
		fmt.Printf("  score %d, detected %s\n", c.ConflictScore, c.DetectedAt.Local().Format("2006-01-02 15:04"))
		for _, fc := range c.FieldConflicts {
			fmt.Printf("    %-16s local=%v remote=%v [%s]\n", fc.Field, fc.LocalValue, fc.RemoteValue, fc.Severity)
		}
	}
}

func runResolve(cmd *cobra.Command, args []string) {
	strategy := models.ResolutionStrategy(resolveStrategy)
	if !strategy.Valid() {
		exitError("--strategy must be local, remote or merge")
	}

	var merged models.Record
	if resolveMerged != "" {
		if err := json.Unmarshal([]byte(resolveMerged), &merged); err != nil {
			exitError("invalid --merged JSON: %v", err)
		}
	}

	rec, err := agentClient().Resolve(context.Background(), args[0], args[1], strategy, merged)
	if err != nil {
		exitError("%v", err)
	}
	color.New(color.FgGreen).Printf("resolved")
	fmt.Printf(" %s/%s with %s version\n", args[0], args[1], strategy)
	printJSON(rec)
}
