package usermap

import (
	"context"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
)

// Mapper is the online, non-blocking lookup used during projection.
//
// It only reads the cache. A miss is marked pending and reported in the
// cycle's pending set; the directory is never consulted here, so a sync
// cycle's latency does not depend on how many new users it meets.
type Mapper struct {
	cache  *Cache
	logger *log.Logger

	mu      sync.Mutex
	pending map[string]bool
}

// NewMapper creates a mapper over the cache.
func NewMapper(cache *Cache, logger *log.Logger) *Mapper {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Mapper{
		cache:   cache,
		logger:  logger,
		pending: make(map[string]bool),
	}
}

// Username normalizes a source user identifier: the local part for an
// email address, the trimmed value otherwise.
func Username(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if i := strings.IndexByte(identifier, '@'); i >= 0 {
		return identifier[:i]
	}
	return identifier
}

// MapUser converts a raw source user object into the sink's person-field
// value: [{"id": <lark user id>}] when the mapping is valid, [] otherwise.
// The empty slice (never nil) keeps the person column well-formed.
//
// The user object is the tracker's shape: a map carrying name,
// emailAddress and displayName.
func (m *Mapper) MapUser(ctx context.Context, user any) []any {
	username := m.extractUsername(user)
	if username == "" {
		return []any{}
	}

	entry, err := m.cache.Get(ctx, username)
	if err != nil {
		m.logger.Printf("cache read for %s failed: %v", username, err)
		return []any{}
	}

	if entry == nil {
		if err := m.cache.MarkPending(ctx, username); err != nil {
			m.logger.Printf("failed to mark %s pending: %v", username, err)
		}
		m.mu.Lock()
		m.pending[username] = true
		m.mu.Unlock()
		return []any{}
	}

	switch entry.State() {
	case StateValid:
		// A valid row without a user ID is a half-written mapping the
		// repair tooling targets; a person cell with a blank ID would
		// be rejected by the sink.
		if entry.LarkID == "" {
			return []any{}
		}
		return []any{map[string]any{"id": entry.LarkID}}
	case StatePending:
		m.mu.Lock()
		m.pending[username] = true
		m.mu.Unlock()
		return []any{}
	default:
		// Known miss: the directory has no account for this user.
		return []any{}
	}
}

// extractUsername pulls the best identifier out of a raw user object.
// Email wins over login name over display name, matching how accounts
// are provisioned on both sides.
func (m *Mapper) extractUsername(user any) string {
	switch v := user.(type) {
	case nil:
		return ""
	case string:
		return Username(v)
	case map[string]any:
		for _, key := range []string{"emailAddress", "name", "displayName"} {
			if s, ok := v[key].(string); ok && s != "" {
				return Username(s)
			}
		}
		return ""
	default:
		return ""
	}
}

// PendingSeen returns the usernames this mapper marked pending since the
// last Reset, sorted for stable logging.
func (m *Mapper) PendingSeen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	usernames := make([]string, 0, len(m.pending))
	for u := range m.pending {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)
	return usernames
}

// Reset clears the per-cycle pending set.
func (m *Mapper) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[string]bool)
}
