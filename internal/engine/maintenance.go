package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/bitbridge-tools/jlsync/internal/metrics"
	"github.com/bitbridge-tools/jlsync/internal/state"
	"github.com/bitbridge-tools/jlsync/internal/usermap"
)

// TableStatus describes one table's ledger state.
type TableStatus struct {
	Team           string
	TableKey       string
	TableID        string
	NeedsColdStart bool
	Log            *state.Stats
}

// StatusReport is the operator-facing snapshot the status command prints.
type StatusReport struct {
	Tables  []TableStatus
	Cache   *usermap.Stats
	Metrics *metrics.Summary
}

// Status gathers ledger stats for every enabled table, plus user cache
// and trailing metrics summaries when those stores are wired.
func (c *Coordinator) Status(ctx context.Context, teamFilter string) (*StatusReport, error) {
	report := &StatusReport{}
	cfg := c.config()

	for _, team := range cfg.EnabledTeams() {
		if teamFilter != "" && team != teamFilter {
			continue
		}
		for _, ref := range cfg.EnabledTables(team) {
			plog, err := c.tableLog(ref.TableID)
			if err != nil {
				return nil, err
			}
			stats, err := plog.Stats(ctx)
			if err != nil {
				return nil, fmt.Errorf("table %s stats: %w", ref.TableID, err)
			}

			ts := TableStatus{
				Team:     team,
				TableKey: ref.Key,
				TableID:  ref.TableID,
				Log:      stats,
			}
			ts.NeedsColdStart = stats.Total == 0 ||
				stats.LastProcessedMS == 0 ||
				time.Since(time.UnixMilli(stats.LastProcessedMS)) > coldStartMaxAge
			report.Tables = append(report.Tables, ts)
		}
	}

	if c.cache != nil {
		stats, err := c.cache.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("user cache stats: %w", err)
		}
		report.Cache = stats
	}
	if c.metrics != nil {
		summary, err := c.metrics.Summarize(ctx, 7, "")
		if err != nil {
			return nil, fmt.Errorf("metrics summary: %w", err)
		}
		report.Metrics = summary
	}
	return report, nil
}

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	LogRows     int64
	MetricsRows int64
}

// Cleanup prunes ledger and metrics rows older than the retention window
// and compacts the databases.
func (c *Coordinator) Cleanup(ctx context.Context, days int) (*CleanupResult, error) {
	res := &CleanupResult{}
	logger := c.logs.Logger("coordinator")
	cfg := c.config()

	for _, team := range cfg.EnabledTeams() {
		for _, ref := range cfg.EnabledTables(team) {
			plog, err := c.tableLog(ref.TableID)
			if err != nil {
				return nil, err
			}
			n, err := plog.CleanupOlderThan(ctx, days)
			if err != nil {
				return nil, fmt.Errorf("cleanup table %s: %w", ref.TableID, err)
			}
			res.LogRows += n
			if err := plog.Vacuum(ctx); err != nil {
				logger.Printf("vacuum of %s failed: %v", ref.TableID, err)
			}
		}
	}

	if c.metrics != nil {
		n, err := c.metrics.CleanupOlderThan(ctx, days)
		if err != nil {
			return nil, fmt.Errorf("cleanup metrics: %w", err)
		}
		res.MetricsRows = n
		if err := c.metrics.Vacuum(ctx); err != nil {
			logger.Printf("metrics vacuum failed: %v", err)
		}
	}
	return res, nil
}

// RebuildCache clears a table's processing log and re-registers the rows
// currently in the sink, without syncing anything. Recovery tool for a
// ledger that has drifted from the sink.
func (c *Coordinator) RebuildCache(ctx context.Context, teamName, tableKey string) (int, error) {
	ref, ok := c.config().TableByKey(teamName, tableKey)
	if !ok {
		return 0, fmt.Errorf("unknown table %s/%s", teamName, tableKey)
	}

	appToken, err := c.appToken(ctx, teamName)
	if err != nil {
		return 0, err
	}
	plog, err := c.tableLog(ref.TableID)
	if err != nil {
		return 0, err
	}

	records, err := c.sink.ScanRecords(ctx, appToken, ref.TableID, []string{ref.TicketField})
	if err != nil {
		return 0, fmt.Errorf("sink scan: %w", err)
	}

	if err := plog.Clear(ctx); err != nil {
		return 0, fmt.Errorf("clear processing log: %w", err)
	}

	var entries []state.Entry
	for _, rec := range records {
		key := ticketKeyFromCell(rec.Fields[ref.TicketField])
		if key == "" {
			continue
		}
		entries = append(entries, state.Entry{
			IssueKey: key,
			RecordID: rec.RecordID,
			Result:   state.ResultColdStart,
		})
	}
	if len(entries) > 0 {
		if err := plog.RecordBatch(ctx, entries); err != nil {
			return 0, fmt.Errorf("register sink rows: %w", err)
		}
	}

	c.logs.Logger("coordinator").Printf("table %s: ledger rebuilt from %d sink rows", ref.TableID, len(entries))
	return len(entries), nil
}
