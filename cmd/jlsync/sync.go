package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/bitbridge-tools/jlsync/internal/engine"
)

var (
	syncTeam       string
	syncTable      string
	syncFullUpdate bool
	syncSince      string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync session and exit",
	Long: `Run one sync session over all enabled teams, or a subset.

By default only issues whose JIRA update timestamp moved past the last
recorded sync are pushed. --full-update pushes everything the JQL
returns; --since narrows the query to issues updated after a point in
time ("2 hours ago", "yesterday", "2025-08-01").`,
	Run: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncTeam, "team", "", "sync only this team")
	syncCmd.Flags().StringVar(&syncTable, "table", "", "sync only this table (requires --team)")
	syncCmd.Flags().BoolVar(&syncFullUpdate, "full-update", false, "push all issues, ignoring the processing log filter")
	syncCmd.Flags().StringVar(&syncSince, "since", "", "only issues updated after this time expression")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) {
	if syncTable != "" && syncTeam == "" {
		fatalf("--table requires --team")
	}

	a, err := loadApp(nil)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	opts := engine.RunOptions{FullRefresh: syncFullUpdate}
	if syncSince != "" {
		clause, err := sinceClause(syncSince, time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		// A narrowed window is a one-off query; the ledger filter still
		// applies unless --full-update is also set.
		if syncTable == "" {
			fatalf("--since requires --team and --table, it rewrites a single table's query")
		}
		ref, ok := a.cfg.TableByKey(syncTeam, syncTable)
		if !ok {
			fatalf("unknown table %s/%s", syncTeam, syncTable)
		}
		opts.JQLOverride = fmt.Sprintf("(%s) AND %s", ref.JQLQuery, clause)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sess *engine.SessionResult
	switch {
	case syncTable != "":
		sess, err = a.coord.SyncTable(ctx, syncTeam, syncTable, opts)
	case syncTeam != "":
		sess, err = a.coord.SyncTeam(ctx, syncTeam, opts)
	default:
		sess, err = a.coord.SyncAll(ctx, opts)
	}
	if sess != nil {
		printSession(sess)
	}
	if err != nil {
		fatalf("sync failed: %v", err)
	}

	_, _, _, failed := sess.Totals()
	if !sess.Success() || failed > 0 {
		os.Exit(1)
	}
}

// sinceClause turns a natural-language or absolute time expression into
// a JQL updated filter.
func sinceClause(expr string, now time.Time) (string, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	var at time.Time
	if r, err := w.Parse(expr, now); err == nil && r != nil {
		at = r.Time
	} else if t, err := time.Parse("2006-01-02", expr); err == nil {
		at = t
	} else if t, err := time.Parse(time.RFC3339, expr); err == nil {
		at = t
	} else {
		return "", fmt.Errorf("cannot parse time expression %q", expr)
	}

	return fmt.Sprintf("updated >= %q", at.Format("2006-01-02 15:04")), nil
}

func printSession(sess *engine.SessionResult) {
	total, created, updated, failed := sess.Totals()
	fmt.Printf("session %s: %d tables, %d issues (%d created, %d updated, %d failed) in %s\n",
		sess.SessionID, len(sess.Cycles), total, created, updated, failed,
		sess.Elapsed.Round(time.Millisecond))

	for _, c := range sess.Cycles {
		status := "ok"
		if c.Err != nil {
			status = "FAILED: " + c.Err.Error()
		}
		cold := ""
		if c.ColdStart {
			cold = " (cold start)"
		}
		fmt.Printf("  %s/%s%s: total=%d filtered=%d created=%d updated=%d failed=%d %s\n",
			c.Team, c.TableKey, cold, c.Total, c.Filtered, c.Created, c.Updated, c.Failed, status)
	}

	if len(sess.PendingUsers) > 0 {
		fmt.Printf("unmapped users (%d): %s\n", len(sess.PendingUsers), strings.Join(sess.PendingUsers, ", "))
		fmt.Println("run `jlsync cache resolve` to look them up in the Lark directory")
	}
}
