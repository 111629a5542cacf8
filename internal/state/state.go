// Package state persists the per-table processing log.
//
// The log is the pipeline's memory: one row per issue key recording the
// source "updated" timestamp at the last successful sync and the sink row
// it landed in. The timestamp filter and the create/update split both read
// it, so a missing or stale row is what makes an issue eligible for work.
//
// Each sink table gets its own SQLite database under the data directory.
// The coordinator guarantees a single writer per table, so the only
// concurrency the store must absorb is WAL readers during a write.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Result values recorded per processed issue.
const (
	// ResultSuccess marks a row that reached the sink in full.
	ResultSuccess = "success"

	// ResultColdStart marks a row registered from a sink scan before any
	// sync touched it. Its source timestamp is the zero sentinel, so the
	// next incremental cycle treats it as stale.
	ResultColdStart = "cold_start_existing"
)

// ErrorResult renders a failed outcome for the result column.
func ErrorResult(err error) string {
	return "error: " + err.Error()
}

// Entry is one processing log row.
type Entry struct {
	IssueKey        string
	SourceUpdatedMS int64
	ProcessedAtMS   int64
	Result          string
	RecordID        string
}

// Stats summarizes the log for the status surface.
type Stats struct {
	Total           int
	Success         int
	ColdStart       int
	Errors          int
	LastProcessedMS int64
}

// Log is the processing log of one sink table.
type Log struct {
	conn    *sql.DB
	path    string
	tableID string
}

// Open creates or opens the processing log database at path.
//
// The parent directory is created if needed. The caller must Close the
// log when done.
func Open(path, tableID string) (*Log, error) {
	if tableID == "" {
		return nil, fmt.Errorf("table ID is required")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open processing log: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping processing log: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	l := &Log{conn: conn, path: path, tableID: tableID}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := l.initSchema(); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// Close checkpoints the WAL and closes the connection.
func (l *Log) Close() error {
	if l.conn == nil {
		return nil
	}
	if _, err := l.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("failed to close processing log: %w", err)
	}
	l.conn = nil
	return nil
}

// TableID returns the sink table this log belongs to.
func (l *Log) TableID() string {
	return l.tableID
}

func (l *Log) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processing_log (
		issue_key TEXT PRIMARY KEY,
		source_updated_ms INTEGER NOT NULL,
		processed_at_ms INTEGER NOT NULL,
		result TEXT NOT NULL DEFAULT 'success',
		record_id TEXT,
		table_id TEXT,
		created_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_log_source_updated ON processing_log(source_updated_ms);
	CREATE INDEX IF NOT EXISTS idx_log_processed_at ON processing_log(processed_at_ms);
	CREATE INDEX IF NOT EXISTS idx_log_table ON processing_log(table_id);
	`
	if _, err := l.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize processing log schema: %w", err)
	}
	return nil
}

// Record upserts one entry.
func (l *Log) Record(ctx context.Context, e Entry) error {
	return l.record(ctx, l.conn, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// record upserts through conn, which may be a transaction. An empty
// incoming record ID keeps the stored one, so a failed update does not
// lose track of the sink row it targeted.
func (l *Log) record(ctx context.Context, conn execer, e Entry) error {
	if e.IssueKey == "" {
		return fmt.Errorf("entry has no issue key")
	}

	processedAt := e.ProcessedAtMS
	if processedAt == 0 {
		processedAt = time.Now().UnixMilli()
	}
	result := e.Result
	if result == "" {
		result = ResultSuccess
	}

	query := `
	INSERT INTO processing_log (
		issue_key, source_updated_ms, processed_at_ms, result,
		record_id, table_id, created_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(issue_key) DO UPDATE SET
		source_updated_ms = excluded.source_updated_ms,
		processed_at_ms = excluded.processed_at_ms,
		result = excluded.result,
		record_id = CASE
			WHEN excluded.record_id != '' THEN excluded.record_id
			ELSE processing_log.record_id
		END
	`

	_, err := conn.ExecContext(ctx, query,
		e.IssueKey, e.SourceUpdatedMS, processedAt, result,
		e.RecordID, l.tableID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", e.IssueKey, err)
	}
	return nil
}

// RecordBatch upserts all entries in a single transaction, so a crash
// mid-write never leaves a half-recorded cycle.
func (l *Log) RecordBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if err := l.record(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch of %d entries: %w", len(entries), err)
	}
	return nil
}

// Get returns the entry for an issue key, or nil when none exists.
func (l *Log) Get(ctx context.Context, issueKey string) (*Entry, error) {
	query := `
	SELECT issue_key, source_updated_ms, processed_at_ms, result, COALESCE(record_id, '')
	FROM processing_log WHERE issue_key = ?
	`

	var e Entry
	err := l.conn.QueryRowContext(ctx, query, issueKey).Scan(
		&e.IssueKey, &e.SourceUpdatedMS, &e.ProcessedAtMS, &e.Result, &e.RecordID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry %s: %w", issueKey, err)
	}
	return &e, nil
}

// ShouldProcess reports whether an issue is stale relative to the log.
//
// True when no row exists, when the incoming timestamp is newer than the
// stored one, or when the incoming timestamp is unusable (<= 0): an issue
// whose timestamp cannot be read is always processed rather than silently
// skipped.
func (l *Log) ShouldProcess(ctx context.Context, issueKey string, sourceUpdatedMS int64) (bool, error) {
	if sourceUpdatedMS <= 0 {
		return true, nil
	}

	var stored int64
	err := l.conn.QueryRowContext(ctx,
		"SELECT source_updated_ms FROM processing_log WHERE issue_key = ?", issueKey,
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", issueKey, err)
	}

	return sourceUpdatedMS > stored, nil
}

// RecordIDs returns the issue key to sink record ID mapping for every row
// that reached the sink. Rows that never got a record ID are omitted.
func (l *Log) RecordIDs(ctx context.Context) (map[string]string, error) {
	rows, err := l.conn.QueryContext(ctx,
		"SELECT issue_key, record_id FROM processing_log WHERE record_id IS NOT NULL AND record_id != ''")
	if err != nil {
		return nil, fmt.Errorf("failed to list record ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]string)
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("failed to scan record id: %w", err)
		}
		ids[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record ids: %w", err)
	}
	return ids, nil
}

// IsEmpty reports whether the log holds no entries at all.
func (l *Log) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	err := l.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM processing_log").Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count entries: %w", err)
	}
	return count == 0, nil
}

// LastProcessedMS returns the newest processed_at timestamp, 0 when the
// log is empty.
func (l *Log) LastProcessedMS(ctx context.Context) (int64, error) {
	var last sql.NullInt64
	err := l.conn.QueryRowContext(ctx, "SELECT MAX(processed_at_ms) FROM processing_log").Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last processed time: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return last.Int64, nil
}

// Stats summarizes the log contents.
func (l *Log) Stats(ctx context.Context) (*Stats, error) {
	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN result = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN result = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN result LIKE 'error:%' THEN 1 ELSE 0 END), 0),
		COALESCE(MAX(processed_at_ms), 0)
	FROM processing_log
	`

	var s Stats
	err := l.conn.QueryRowContext(ctx, query, ResultSuccess, ResultColdStart).Scan(
		&s.Total, &s.Success, &s.ColdStart, &s.Errors, &s.LastProcessedMS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	return &s, nil
}

// Clear drops every entry, forcing a cold start on the next cycle.
func (l *Log) Clear(ctx context.Context) error {
	if _, err := l.conn.ExecContext(ctx, "DELETE FROM processing_log"); err != nil {
		return fmt.Errorf("failed to clear processing log: %w", err)
	}
	return nil
}

// CleanupOlderThan deletes rows not touched for the given number of days
// and returns how many went away.
func (l *Log) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("days must be positive, got %d", days)
	}

	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	res, err := l.conn.ExecContext(ctx,
		"DELETE FROM processing_log WHERE processed_at_ms < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned entries: %w", err)
	}
	return n, nil
}

// Vacuum reclaims space after cleanups.
func (l *Log) Vacuum(ctx context.Context) error {
	if _, err := l.conn.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum processing log: %w", err)
	}
	return nil
}
