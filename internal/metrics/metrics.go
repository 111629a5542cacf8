// Package metrics records sync observability data in its own SQLite store.
//
// Two granularities: a session row per coordinator run, and a cycle row per
// table cycle. The store is append-mostly; the status surface reads rollups
// over a trailing window and old rows are pruned by the cleanup command.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Session is one coordinator run across all teams.
type Session struct {
	SessionID    string
	StartedAtMS  int64
	FinishedAtMS int64
	Teams        int
	Tables       int
	Total        int
	Created      int
	Updated      int
	Failed       int
	Success      bool
}

// Cycle is one table sync cycle.
type Cycle struct {
	Team        string
	TableID     string
	StartedAtMS int64
	DurationMS  int64
	Total       int
	Filtered    int
	Created     int
	Updated     int
	Failed      int
	ColdStart   bool
	Success     bool
	Error       string
}

// Summary is a rollup over a trailing window.
type Summary struct {
	Sessions      int
	Cycles        int
	Created       int
	Updated       int
	Failed        int
	FailedCycles  int
	LastSessionMS int64
}

// Store persists sessions and cycles.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the metrics database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping metrics store: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close metrics store: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_metrics (
		session_id TEXT PRIMARY KEY,
		started_at_ms INTEGER NOT NULL,
		finished_at_ms INTEGER NOT NULL,
		teams INTEGER NOT NULL DEFAULT 0,
		tables INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS table_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		team TEXT NOT NULL,
		table_id TEXT NOT NULL,
		started_at_ms INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		filtered INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		cold_start INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 1,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started ON session_metrics(started_at_ms);
	CREATE INDEX IF NOT EXISTS idx_cycles_started ON table_metrics(started_at_ms);
	CREATE INDEX IF NOT EXISTS idx_cycles_table ON table_metrics(table_id);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize metrics schema: %w", err)
	}
	return nil
}

// RecordSession upserts one session row.
func (s *Store) RecordSession(ctx context.Context, sess Session) error {
	if sess.SessionID == "" {
		return fmt.Errorf("session has no ID")
	}

	query := `
	INSERT INTO session_metrics (
		session_id, started_at_ms, finished_at_ms, teams, tables,
		total, created, updated, failed, success
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		finished_at_ms = excluded.finished_at_ms,
		teams = excluded.teams,
		tables = excluded.tables,
		total = excluded.total,
		created = excluded.created,
		updated = excluded.updated,
		failed = excluded.failed,
		success = excluded.success
	`
	_, err := s.conn.ExecContext(ctx, query,
		sess.SessionID, sess.StartedAtMS, sess.FinishedAtMS, sess.Teams, sess.Tables,
		sess.Total, sess.Created, sess.Updated, sess.Failed, boolToInt(sess.Success),
	)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", sess.SessionID, err)
	}
	return nil
}

// RecordCycle appends one table cycle row.
func (s *Store) RecordCycle(ctx context.Context, c Cycle) error {
	if c.TableID == "" {
		return fmt.Errorf("cycle has no table ID")
	}

	query := `
	INSERT INTO table_metrics (
		team, table_id, started_at_ms, duration_ms, total, filtered,
		created, updated, failed, cold_start, success, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.conn.ExecContext(ctx, query,
		c.Team, c.TableID, c.StartedAtMS, c.DurationMS, c.Total, c.Filtered,
		c.Created, c.Updated, c.Failed, boolToInt(c.ColdStart), boolToInt(c.Success), c.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record cycle for %s: %w", c.TableID, err)
	}
	return nil
}

// Summarize rolls up activity over the trailing number of days. tableID
// narrows the cycle rollup to one table when non-empty.
func (s *Store) Summarize(ctx context.Context, days int, tableID string) (*Summary, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()

	var sum Summary
	err := s.conn.QueryRowContext(ctx, `
	SELECT COUNT(*), COALESCE(MAX(started_at_ms), 0)
	FROM session_metrics WHERE started_at_ms >= ?`, cutoff,
	).Scan(&sum.Sessions, &sum.LastSessionMS)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize sessions: %w", err)
	}

	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(created), 0),
		COALESCE(SUM(updated), 0),
		COALESCE(SUM(failed), 0),
		COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
	FROM table_metrics WHERE started_at_ms >= ?
	`
	args := []any{cutoff}
	if tableID != "" {
		query += " AND table_id = ?"
		args = append(args, tableID)
	}

	err = s.conn.QueryRowContext(ctx, query, args...).Scan(
		&sum.Cycles, &sum.Created, &sum.Updated, &sum.Failed, &sum.FailedCycles,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize cycles: %w", err)
	}
	return &sum, nil
}

// CleanupOlderThan prunes rows older than the given number of days.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("days must be positive, got %d", days)
	}
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()

	var removed int64
	for _, table := range []string{"session_metrics", "table_metrics"} {
		res, err := s.conn.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE started_at_ms < ?", table), cutoff)
		if err != nil {
			return removed, fmt.Errorf("failed to clean up %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("failed to count cleaned rows: %w", err)
		}
		removed += n
	}
	return removed, nil
}

// Vacuum reclaims space after cleanups.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum metrics store: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
