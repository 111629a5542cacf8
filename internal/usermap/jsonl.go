package usermap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// jsonlEntry is the export line format for one mapping.
type jsonlEntry struct {
	Username  string    `json:"username"`
	LarkEmail string    `json:"lark_email,omitempty"`
	LarkID    string    `json:"lark_user_id,omitempty"`
	LarkName  string    `json:"lark_name,omitempty"`
	IsEmpty   bool      `json:"is_empty,omitempty"`
	IsPending bool      `json:"is_pending,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ImportResult reports what an import run did.
type ImportResult struct {
	Read     int
	Imported int
	Skipped  int
	Errors   []string
}

// Export writes every cache entry to a JSONL file, one mapping per line.
// The write goes through a temp file and a rename so a crash never leaves
// a half-written export behind.
func Export(ctx context.Context, cache *Cache, path string) (int, error) {
	entries, err := cache.All(ctx)
	if err != nil {
		return 0, err
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}

	enc := json.NewEncoder(f)
	for _, e := range entries {
		line := jsonlEntry{
			Username:  e.Username,
			LarkEmail: e.LarkEmail,
			LarkID:    e.LarkID,
			LarkName:  e.LarkName,
			IsEmpty:   e.IsEmpty,
			IsPending: e.IsPending,
			UpdatedAt: e.UpdatedAt,
		}
		if err := enc.Encode(line); err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
			return 0, fmt.Errorf("failed to encode mapping %s: %w", e.Username, err)
		}
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close export file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to finalize export file: %w", err)
	}

	return len(entries), nil
}

// Import reads a JSONL export into the cache. Existing entries for the
// same username are overwritten. With dryRun set, nothing is written and
// the result only reports what would happen.
func Import(ctx context.Context, cache *Cache, path string, dryRun bool) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	result := &ImportResult{}
	dec := json.NewDecoder(f)

	for {
		var line jsonlEntry
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at entry %d: %w", result.Read+1, err)
		}
		result.Read++

		if line.Username == "" {
			result.Skipped++
			result.Errors = append(result.Errors,
				fmt.Sprintf("entry %d: missing username", result.Read))
			continue
		}

		if dryRun {
			result.Imported++
			continue
		}

		err := cache.Put(ctx, Entry{
			Username:  line.Username,
			LarkEmail: line.LarkEmail,
			LarkID:    line.LarkID,
			LarkName:  line.LarkName,
			IsEmpty:   line.IsEmpty,
			IsPending: line.IsPending,
		})
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors,
				fmt.Sprintf("entry %d (%s): %v", result.Read, line.Username, err))
			continue
		}
		result.Imported++
	}

	return result, nil
}
