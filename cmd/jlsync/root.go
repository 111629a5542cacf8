package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bitbridge-tools/jlsync/internal/config"
	"github.com/bitbridge-tools/jlsync/internal/engine"
	"github.com/bitbridge-tools/jlsync/internal/jira"
	"github.com/bitbridge-tools/jlsync/internal/lark"
	"github.com/bitbridge-tools/jlsync/internal/logging"
	"github.com/bitbridge-tools/jlsync/internal/metrics"
	"github.com/bitbridge-tools/jlsync/internal/schema"
	"github.com/bitbridge-tools/jlsync/internal/usermap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "jlsync",
	Short: "One-way incremental sync from JIRA to Lark Base",
	Long: `jlsync mirrors JIRA issues into Lark Base tables.

Each configured table is fed by a JQL query; issues are projected through
a field-mapping schema and created or updated in place. A per-table
processing log makes cycles incremental and crash-safe: only issues whose
source timestamp moved forward are pushed again.`,
	SilenceUsage: true,
}

func init() {
	defaultConfig := os.Getenv("JLSYNC_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig,
		"configuration file (env JLSYNC_CONFIG)")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles everything a command needs after bootstrap.
type app struct {
	cfg     *config.Config
	logs    *logging.Sink
	coord   *engine.Coordinator
	cache   *usermap.Cache
	metrics *metrics.Store
	lark    *lark.Client

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// loadApp bootstraps configuration, logging, clients and the
// coordinator. reporter may be nil.
func loadApp(reporter engine.Reporter) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logs, err := logging.Setup(logging.Options{
		Level:      cfg.Global.LogLevel,
		File:       cfg.Global.LogFile,
		MaxSizeMB:  cfg.Global.LogMaxSizeMB,
		MaxBackups: cfg.Global.LogMaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("logging setup: %w", err)
	}

	a := &app{cfg: cfg, logs: logs}
	a.closers = append(a.closers, logs.Close)

	fieldSchema, err := schema.Load(cfg.SchemaPath())
	if err != nil {
		a.Close()
		return nil, err
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}

	source, err := jira.NewClient(jira.Config{
		ServerURL:  cfg.JIRA.ServerURL,
		Username:   cfg.JIRA.Username,
		Password:   cfg.JIRA.Password,
		Logger:     logs.Logger("jira"),
		HTTPClient: httpClient,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("jira client: %w", err)
	}

	sink, err := lark.NewClient(lark.Config{
		AppID:      cfg.Lark.AppID,
		AppSecret:  cfg.Lark.AppSecret,
		BaseURL:    cfg.Lark.BaseURL,
		Logger:     logs.Logger("lark"),
		HTTPClient: httpClient,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("lark client: %w", err)
	}
	a.lark = sink

	if cfg.UserMapping.IsEnabled() {
		cache, err := usermap.Open(cfg.UserCachePath())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("user cache: %w", err)
		}
		a.cache = cache
		a.closers = append(a.closers, cache.Close)
	}

	store, err := metrics.Open(cfg.MetricsPath())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("metrics store: %w", err)
	}
	a.metrics = store
	a.closers = append(a.closers, store.Close)

	coord, err := engine.NewCoordinator(engine.CoordinatorConfig{
		Config:   cfg,
		Source:   source,
		Sink:     sink,
		Wiki:     sink,
		Schema:   fieldSchema,
		Logs:     logs,
		Metrics:  store,
		Cache:    a.cache,
		Reporter: reporter,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.coord = coord
	a.closers = append(a.closers, coord.Close)

	return a, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func stderrLogger(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
}
