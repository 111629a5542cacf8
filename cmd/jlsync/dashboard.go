package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bitbridge-tools/jlsync/internal/dashboard"
)

var dashboardPort int

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Serve the live sync dashboard without the daemon",
	Long: `Start the dashboard server on its own. The WebSocket feed only
carries events while a daemon or sync session runs in the same process,
so this standalone mode mainly serves /api/status for polling tools.

Example:
  jlsync dashboard --port 9000

Connect a WebSocket client to ws://localhost:9000/ws, or poll
http://localhost:9000/api/status.`,
	Run: runDashboard,
}

func init() {
	dashboardCmd.Flags().IntVar(&dashboardPort, "port", 0, "listen port (default from config, else 8787)")
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) {
	a, err := loadApp(nil)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	port := dashboardPort
	if port == 0 {
		port = a.cfg.Dashboard.Port
	}

	server := dashboard.NewServer(dashboard.Config{
		Port:   port,
		Logger: a.logs.Logger("dashboard"),
		Status: func(ctx context.Context) (any, error) {
			return a.coord.Status(ctx, "")
		},
	})
	if err := server.Start(); err != nil {
		fatalf("dashboard: %v", err)
	}
	defer server.Stop()

	fmt.Printf("dashboard listening on http://localhost%s\n", server.Addr())
	fmt.Println("press Ctrl+C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}
