package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var issueCmd = &cobra.Command{
	Use:   "issue <team> <table> <ISSUE-KEY>",
	Short: "Force-sync a single issue into one table",
	Long: `Fetch one issue by key and push it into the given table, ignoring
the processing log filter. Useful after fixing a mapping or repairing a
row by hand.`,
	Args: cobra.ExactArgs(3),
	Run:  runIssue,
}

func init() {
	rootCmd.AddCommand(issueCmd)
}

func runIssue(cmd *cobra.Command, args []string) {
	team, table, key := args[0], args[1], args[2]

	a, err := loadApp(nil)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := a.coord.SyncIssue(ctx, team, table, key)
	if err != nil {
		fatalf("issue sync failed: %v", err)
	}
	if res.Total == 0 {
		fatalf("issue %s not found by the source query", key)
	}

	action := "created"
	if res.Updated > 0 {
		action = "updated"
	}
	if res.Failed > 0 {
		fatalf("issue %s failed to sync, see the log for the field errors", key)
	}
	fmt.Printf("%s %s in %s/%s (%s)\n", action, key, team, table,
		res.Elapsed.Round(time.Millisecond))
}
