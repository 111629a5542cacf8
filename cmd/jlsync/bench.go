package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bitbridge-tools/jlsync/internal/bench"
)

var (
	benchRecords     int
	benchUpdateShare float64
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure projection and batch planning throughput",
	Long: `Push synthetic issues through the field projection and batch
planning pipeline against an in-memory sink. No network calls are made
and no configuration is needed; the numbers bound how fast a cycle can
go before source and sink latency dominate.

Examples:
  jlsync bench
  jlsync bench --records 10000 --update-share 0.5`,
	Run: runBench,
}

func init() {
	def := bench.DefaultConfig()
	benchCmd.Flags().IntVar(&benchRecords, "records", def.Records,
		"number of synthetic issues to process")
	benchCmd.Flags().Float64Var(&benchUpdateShare, "update-share", def.UpdateShare,
		"fraction of records planned as updates (0.0-1.0)")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := bench.Run(ctx, bench.Config{
		Records:     benchRecords,
		UpdateShare: benchUpdateShare,
	})
	if err != nil {
		fatalf("bench: %v", err)
	}
	bench.PrintResult(os.Stdout, res)
}
