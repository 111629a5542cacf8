package jira

import (
	"fmt"
	"time"
)

// Issue is one source issue as returned by the REST API. Fields stays an
// opaque map interpreted by the field-mapping schema.
type Issue struct {
	ID     string         `json:"id"`
	Key    string         `json:"key"`
	Self   string         `json:"self"`
	Fields map[string]any `json:"fields"`
}

// Updated returns the fields.updated timestamp.
func (i *Issue) Updated() (time.Time, error) {
	raw, ok := i.Fields["updated"]
	if !ok {
		return time.Time{}, fmt.Errorf("issue %s has no updated field", i.Key)
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("issue %s updated field is %T, not a string", i.Key, raw)
	}
	return ParseTime(s)
}

// UpdatedMS returns fields.updated as epoch milliseconds.
func (i *Issue) UpdatedMS() (int64, error) {
	t, err := i.Updated()
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

// SearchResult is one page of a JQL search response.
type SearchResult struct {
	StartAt    int      `json:"startAt"`
	MaxResults int      `json:"maxResults"`
	Total      int      `json:"total"`
	Issues     []*Issue `json:"issues"`
}

// ServerInfo identifies the source instance for health checks.
type ServerInfo struct {
	BaseURL     string `json:"baseUrl"`
	Version     string `json:"version"`
	ServerTitle string `json:"serverTitle"`
}

// serverTimeLayout is the timestamp format the source emits,
// e.g. "2025-01-08T03:45:23.000+0000".
const serverTimeLayout = "2006-01-02T15:04:05.000-0700"

// ParseTime parses a source timestamp, accepting the server layout and
// RFC 3339 variants.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(serverTimeLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
