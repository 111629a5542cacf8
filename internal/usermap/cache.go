// Package usermap maps source tracker users onto sink directory users.
//
// The mapping cache is a single global SQLite store with a three-state
// lifecycle per username: valid (a sink user ID is known), empty (the
// directory was consulted and has no match) and pending (queued for
// offline resolution). The online path during projection only ever reads
// the cache and marks misses pending; the network lookups happen in the
// offline resolver, so a burst of unknown users cannot stall a sync cycle.
package usermap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// State is the lifecycle position of one cache entry.
type State string

const (
	StateValid   State = "valid"
	StateEmpty   State = "empty"
	StatePending State = "pending"
)

// Entry is one cached mapping.
type Entry struct {
	Username  string
	LarkEmail string
	LarkID    string
	LarkName  string
	IsEmpty   bool
	IsPending bool
	UpdatedAt time.Time
}

// State derives the lifecycle state from the flags.
func (e Entry) State() State {
	switch {
	case e.IsPending:
		return StatePending
	case e.IsEmpty:
		return StateEmpty
	default:
		return StateValid
	}
}

// Stats summarizes the cache for the status surface.
type Stats struct {
	Total   int
	Valid   int
	Empty   int
	Pending int
}

// Cache is the persistent user mapping store.
type Cache struct {
	conn *sql.DB
	path string
}

// Open creates or opens the cache database at path.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open user cache: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping user cache: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	c := &Cache{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := c.initSchema(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the cache.
func (c *Cache) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close user cache: %w", err)
	}
	c.conn = nil
	return nil
}

func (c *Cache) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_mappings (
		username TEXT PRIMARY KEY,
		lark_email TEXT,
		lark_user_id TEXT,
		lark_name TEXT,
		is_empty INTEGER NOT NULL DEFAULT 0,
		is_pending INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mappings_email ON user_mappings(lark_email);
	CREATE INDEX IF NOT EXISTS idx_mappings_state ON user_mappings(is_empty, is_pending);
	`
	if _, err := c.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize user cache schema: %w", err)
	}
	return nil
}

// Get returns the entry for username, or nil when none exists.
func (c *Cache) Get(ctx context.Context, username string) (*Entry, error) {
	query := `
	SELECT username, COALESCE(lark_email, ''), COALESCE(lark_user_id, ''),
	       COALESCE(lark_name, ''), is_empty, is_pending, updated_at
	FROM user_mappings WHERE username = ?
	`

	var e Entry
	var updatedAt string
	err := c.conn.QueryRowContext(ctx, query, username).Scan(
		&e.Username, &e.LarkEmail, &e.LarkID, &e.LarkName, &e.IsEmpty, &e.IsPending, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping for %s: %w", username, err)
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	return &e, nil
}

// BatchGet returns the entries for a set of usernames in one query.
// Usernames with no cached entry are absent from the result.
func (c *Cache) BatchGet(ctx context.Context, usernames []string) (map[string]Entry, error) {
	entries := make(map[string]Entry, len(usernames))
	if len(usernames) == 0 {
		return entries, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(usernames)), ",")
	query := fmt.Sprintf(`
	SELECT username, COALESCE(lark_email, ''), COALESCE(lark_user_id, ''),
	       COALESCE(lark_name, ''), is_empty, is_pending, updated_at
	FROM user_mappings WHERE username IN (%s)
	`, placeholders)

	args := make([]any, len(usernames))
	for i, u := range usernames {
		args[i] = u
	}

	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch-get %d mappings: %w", len(usernames), err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		var updatedAt string
		if err := rows.Scan(&e.Username, &e.LarkEmail, &e.LarkID, &e.LarkName,
			&e.IsEmpty, &e.IsPending, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			e.UpdatedAt = t
		}
		entries[e.Username] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}
	return entries, nil
}

// Put upserts one entry, stamping it with the current time.
func (c *Cache) Put(ctx context.Context, e Entry) error {
	if e.Username == "" {
		return fmt.Errorf("entry has no username")
	}

	query := `
	INSERT INTO user_mappings (
		username, lark_email, lark_user_id, lark_name, is_empty, is_pending, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(username) DO UPDATE SET
		lark_email = excluded.lark_email,
		lark_user_id = excluded.lark_user_id,
		lark_name = excluded.lark_name,
		is_empty = excluded.is_empty,
		is_pending = excluded.is_pending,
		updated_at = excluded.updated_at
	`
	_, err := c.conn.ExecContext(ctx, query,
		e.Username, e.LarkEmail, e.LarkID, e.LarkName,
		boolToInt(e.IsEmpty), boolToInt(e.IsPending), time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to store mapping for %s: %w", e.Username, err)
	}
	return nil
}

// MarkPending records a username for offline resolution. An existing
// valid or empty entry is left alone: only genuinely unknown users go
// pending, never a resolved one.
func (c *Cache) MarkPending(ctx context.Context, username string) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}

	query := `
	INSERT INTO user_mappings (username, is_pending, updated_at)
	VALUES (?, 1, ?)
	ON CONFLICT(username) DO NOTHING
	`
	_, err := c.conn.ExecContext(ctx, query, username, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to mark %s pending: %w", username, err)
	}
	return nil
}

// SetValid resolves a username to a sink directory user.
func (c *Cache) SetValid(ctx context.Context, username, email, larkID, larkName string) error {
	return c.Put(ctx, Entry{
		Username:  username,
		LarkEmail: email,
		LarkID:    larkID,
		LarkName:  larkName,
	})
}

// SetEmpty records that the directory has no account for this username.
func (c *Cache) SetEmpty(ctx context.Context, username string) error {
	return c.Put(ctx, Entry{Username: username, IsEmpty: true})
}

// Reopen flips an entry back to pending so the resolver retries it. This
// is the operator escape hatch; the pipeline itself never downgrades a
// resolved entry.
func (c *Cache) Reopen(ctx context.Context, username string) error {
	res, err := c.conn.ExecContext(ctx, `
	UPDATE user_mappings SET is_empty = 0, is_pending = 1, updated_at = ?
	WHERE username = ?`, time.Now().Format(time.RFC3339), username)
	if err != nil {
		return fmt.Errorf("failed to reopen %s: %w", username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check reopen of %s: %w", username, err)
	}
	if n == 0 {
		return fmt.Errorf("no mapping for %s", username)
	}
	return nil
}

// Delete removes one entry. Missing entries are not an error.
func (c *Cache) Delete(ctx context.Context, username string) error {
	if _, err := c.conn.ExecContext(ctx,
		"DELETE FROM user_mappings WHERE username = ?", username); err != nil {
		return fmt.Errorf("failed to delete mapping for %s: %w", username, err)
	}
	return nil
}

// Pending lists usernames awaiting offline resolution, oldest first,
// capped at limit (0 means no cap).
func (c *Cache) Pending(ctx context.Context, limit int) ([]string, error) {
	query := "SELECT username FROM user_mappings WHERE is_pending = 1 ORDER BY updated_at ASC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending users: %w", err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan pending user: %w", err)
		}
		usernames = append(usernames, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending users: %w", err)
	}
	return usernames, nil
}

// Incomplete lists usernames that are pending or that claim to be valid
// but carry no sink user ID. These are the rows the repair tooling targets.
func (c *Cache) Incomplete(ctx context.Context) ([]string, error) {
	query := `
	SELECT username FROM user_mappings
	WHERE is_pending = 1
	   OR (is_empty = 0 AND (lark_user_id IS NULL OR lark_user_id = ''))
	ORDER BY username
	`

	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete users: %w", err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan incomplete user: %w", err)
		}
		usernames = append(usernames, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incomplete users: %w", err)
	}
	return usernames, nil
}

// ClearPending drops every pending entry and returns how many went away.
func (c *Cache) ClearPending(ctx context.Context) (int64, error) {
	res, err := c.conn.ExecContext(ctx, "DELETE FROM user_mappings WHERE is_pending = 1")
	if err != nil {
		return 0, fmt.Errorf("failed to clear pending users: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared users: %w", err)
	}
	return n, nil
}

// All returns every entry ordered by username.
func (c *Cache) All(ctx context.Context) ([]Entry, error) {
	query := `
	SELECT username, COALESCE(lark_email, ''), COALESCE(lark_user_id, ''),
	       COALESCE(lark_name, ''), is_empty, is_pending, updated_at
	FROM user_mappings ORDER BY username
	`

	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var updatedAt string
		if err := rows.Scan(&e.Username, &e.LarkEmail, &e.LarkID, &e.LarkName,
			&e.IsEmpty, &e.IsPending, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			e.UpdatedAt = t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}
	return entries, nil
}

// Stats counts entries per lifecycle state.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN is_empty = 0 AND is_pending = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_empty = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_pending = 1 THEN 1 ELSE 0 END), 0)
	FROM user_mappings
	`

	var s Stats
	err := c.conn.QueryRowContext(ctx, query).Scan(&s.Total, &s.Valid, &s.Empty, &s.Pending)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}
	return &s, nil
}

// Vacuum reclaims space after deletions.
func (c *Cache) Vacuum(ctx context.Context) error {
	if _, err := c.conn.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum user cache: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
