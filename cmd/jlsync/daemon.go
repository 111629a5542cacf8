package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bitbridge-tools/jlsync/internal/config"
	"github.com/bitbridge-tools/jlsync/internal/dashboard"
	"github.com/bitbridge-tools/jlsync/internal/engine"
	"github.com/bitbridge-tools/jlsync/internal/scheduler"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync scheduler until interrupted",
	Long: `Run continuous sync: every enabled table fires on its configured
interval (table override > team override > global default).

The daemon holds a lock file under the data directory so a second
instance fails fast, watches the configuration file for edits and
applies valid changes without a restart, and, when the dashboard is
enabled in the configuration, serves the live WebSocket feed.`,
	Run: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) {
	var reporter engine.Reporter
	var dashServer *dashboard.Server

	// The dashboard handler must exist before the coordinator so cycle
	// results flow into it; the server itself starts later, after the
	// lock is held.
	preCfg, err := config.Load(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if preCfg.Dashboard.Enabled {
		dashServer = dashboard.NewServer(dashboard.Config{
			Port:   preCfg.Dashboard.Port,
			Logger: stderrLogger("dashboard"),
		})
		reporter = dashboard.NewHandler(dashServer, stderrLogger("dashboard"))
	}

	a, err := loadApp(reporter)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	lock, err := scheduler.AcquireLock(a.cfg.LockPath())
	if err != nil {
		fatalf("%v", err)
	}
	defer lock.Release()

	if dashServer != nil {
		if err := dashServer.Start(); err != nil {
			fatalf("dashboard: %v", err)
		}
		defer dashServer.Stop()
		fmt.Printf("dashboard: http://localhost%s (ws://localhost%s/ws)\n",
			dashServer.Addr(), dashServer.Addr())
	}

	logger := a.logs.Logger("daemon")
	sched := scheduler.New(a.cfg, a.coord, a.logs.Logger("scheduler"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Hot reload: re-resolve intervals and table sets when the config
	// file changes; a config that fails to load keeps the old one.
	watcher, err := config.NewWatcher(a.cfg.Path())
	if err != nil {
		logger.Printf("config watcher unavailable: %v", err)
	} else if err := watcher.Start(); err != nil {
		logger.Printf("config watcher failed to start: %v", err)
	} else {
		defer watcher.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case path := <-watcher.Reloads():
					cfg, err := config.Load(path)
					if err != nil {
						logger.Printf("config change rejected: %v", err)
						continue
					}
					a.coord.Reload(cfg)
					sched.Reload(cfg)
					logger.Printf("configuration reloaded: intervals, table set and queries updated; credential or schema changes need a restart")
				case err := <-watcher.Errors():
					logger.Printf("config watcher: %v", err)
				}
			}
		}()
	}

	logger.Printf("daemon started (pid %d)", os.Getpid())
	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		fatalf("scheduler: %v", err)
	}
	logger.Printf("daemon stopped")
}
