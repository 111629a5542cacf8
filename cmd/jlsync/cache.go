package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bitbridge-tools/jlsync/internal/usermap"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the user mapping cache and processing logs",
}

var cacheRebuildTeam, cacheRebuildTable string

var cacheRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild a table's processing log from the live sink",
	Long: `Scan the sink table and re-register every existing row in the
processing log without syncing anything. Use this when the ledger has
drifted from the table (deleted database file, rows moved by hand).`,
	Run: runCacheRebuild,
}

var cacheCleanupDays int

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune old processing log and metrics rows",
	Run:   runCacheCleanup,
}

var cachePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List users awaiting a Lark mapping",
	Run:   runCachePending,
}

var cacheClearPendingCmd = &cobra.Command{
	Use:   "clear-pending",
	Short: "Drop all pending user entries",
	Run:   runCacheClearPending,
}

var cacheResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve pending users against the Lark directory",
	Long: `Look pending usernames up in the Lark directory by candidate email
addresses built from the configured domains. Users found become valid
mappings; users missing from every candidate are marked empty so sync
stops retrying them.`,
	Run: runCacheResolve,
}

var cacheExportOut string

var cacheExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export user mappings to a JSONL file",
	Run:   runCacheExport,
}

var (
	cacheImportIn     string
	cacheImportDryRun bool
)

var cacheImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import user mappings from a JSONL file",
	Run:   runCacheImport,
}

func init() {
	cacheRebuildCmd.Flags().StringVar(&cacheRebuildTeam, "team", "", "team name")
	cacheRebuildCmd.Flags().StringVar(&cacheRebuildTable, "table", "", "table key")
	cacheExportCmd.Flags().StringVar(&cacheExportOut, "out", "user_mappings.jsonl", "output file")
	cacheImportCmd.Flags().StringVar(&cacheImportIn, "in", "", "input file (required)")
	cacheImportCmd.Flags().BoolVar(&cacheImportDryRun, "dry-run", false, "validate without writing")
	cacheCleanupCmd.Flags().IntVar(&cacheCleanupDays, "days", 30, "retention window in days")

	cacheCmd.AddCommand(cacheRebuildCmd, cachePendingCmd, cacheClearPendingCmd,
		cacheResolveCmd, cacheExportCmd, cacheImportCmd, cacheCleanupCmd)
	rootCmd.AddCommand(cacheCmd)
}

// openCache bootstraps just enough for cache-only commands.
func openCacheApp() *app {
	a, err := loadApp(nil)
	if err != nil {
		fatalf("%v", err)
	}
	if a.cache == nil {
		a.Close()
		fatalf("user mapping is disabled in the configuration")
	}
	return a
}

func runCacheRebuild(cmd *cobra.Command, args []string) {
	if cacheRebuildTeam == "" || cacheRebuildTable == "" {
		fatalf("cache rebuild requires --team and --table")
	}

	a, err := loadApp(nil)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := a.coord.RebuildCache(ctx, cacheRebuildTeam, cacheRebuildTable)
	if err != nil {
		fatalf("rebuild failed: %v", err)
	}
	fmt.Printf("registered %d sink rows for %s/%s\n", n, cacheRebuildTeam, cacheRebuildTable)
}

func runCacheCleanup(cmd *cobra.Command, args []string) {
	if cacheCleanupDays <= 0 {
		fatalf("--days must be positive")
	}

	a, err := loadApp(nil)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	res, err := a.coord.Cleanup(context.Background(), cacheCleanupDays)
	if err != nil {
		fatalf("cleanup failed: %v", err)
	}
	fmt.Printf("pruned %d log rows and %d metrics rows older than %d days\n",
		res.LogRows, res.MetricsRows, cacheCleanupDays)
}

func runCachePending(cmd *cobra.Command, args []string) {
	a := openCacheApp()
	defer a.Close()

	ctx := context.Background()
	pending, err := a.cache.Pending(ctx, 0)
	if err != nil {
		fatalf("%v", err)
	}
	if len(pending) == 0 {
		fmt.Println("no pending users")
		return
	}
	fmt.Printf("%d pending users:\n", len(pending))
	for _, u := range pending {
		fmt.Println("  " + u)
	}
}

func runCacheClearPending(cmd *cobra.Command, args []string) {
	a := openCacheApp()
	defer a.Close()

	n, err := a.cache.ClearPending(context.Background())
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("cleared %d pending entries\n", n)
}

func runCacheResolve(cmd *cobra.Command, args []string) {
	a := openCacheApp()
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver := usermap.NewResolver(a.cache, a.lark,
		a.cfg.UserMapping.EmailDomains, a.logs.Logger("resolver"))

	start := time.Now()
	res, err := resolver.ResolvePending(ctx)
	if err != nil {
		fatalf("resolve failed: %v", err)
	}
	fmt.Printf("attempted %d: %d resolved, %d empty, %d failed (%s)\n",
		res.Attempted, res.Resolved, res.Empty, res.Failed,
		time.Since(start).Round(time.Millisecond))
	if res.Failed > 0 {
		fmt.Println("failed lookups stay pending and will be retried")
	}
}

func runCacheExport(cmd *cobra.Command, args []string) {
	a := openCacheApp()
	defer a.Close()

	n, err := usermap.Export(context.Background(), a.cache, cacheExportOut)
	if err != nil {
		fatalf("export failed: %v", err)
	}
	fmt.Printf("exported %d mappings to %s\n", n, cacheExportOut)
}

func runCacheImport(cmd *cobra.Command, args []string) {
	if cacheImportIn == "" {
		fatalf("cache import requires --in")
	}

	a := openCacheApp()
	defer a.Close()

	res, err := usermap.Import(context.Background(), a.cache, cacheImportIn, cacheImportDryRun)
	if err != nil {
		fatalf("import failed: %v", err)
	}

	mode := ""
	if cacheImportDryRun {
		mode = " (dry run)"
	}
	fmt.Printf("read %d lines: %d imported, %d skipped%s\n", res.Read, res.Imported, res.Skipped, mode)
	if len(res.Errors) > 0 {
		fmt.Printf("problems:\n  %s\n", strings.Join(res.Errors, "\n  "))
	}
}
