package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrDataIncomplete reports that a search could not deliver the complete
// result set. Callers must treat the whole result as unusable.
var ErrDataIncomplete = errors.New("search results incomplete")

// searchRetries is the number of retries after the first attempt.
const searchRetries = 2

// optimalBatchSize picks a page size that finishes the fetch in a handful
// of calls. The server caps pages at 1000.
func optimalBatchSize(total int) int {
	switch {
	case total <= 500:
		return total
	case total <= 5000:
		return 500
	default:
		return 1000
	}
}

// newBackOff returns the per-call retry policy: exponential delay starting
// at one second with jitter, three attempts total.
func newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return backoff.WithContext(backoff.WithMaxRetries(b, searchRetries), ctx)
}

// SearchAll fetches every issue matching jql, atomically: the result is
// either complete and deduplicated by key, or an error. A failed page is
// retried with backoff; if it still fails the remaining pages are fetched
// so the log shows the full damage, then ErrDataIncomplete is returned.
func (c *Client) SearchAll(ctx context.Context, jql string, fields []string) ([]*Issue, error) {
	fields = ensureKeyField(fields)

	total, err := c.totalCount(ctx, jql)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}

	batchSize := optimalBatchSize(total)
	c.logger.Printf("fetching %d issues in batches of %d", total, batchSize)

	seen := make(map[string]int, total) // key → index in issues
	issues := make([]*Issue, 0, total)
	var failed []int

	for startAt := 0; startAt < total; startAt += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := c.fetchBatch(ctx, jql, fields, startAt, batchSize)
		if err != nil {
			c.logger.Printf("batch at offset %d failed after retries: %v", startAt, err)
			failed = append(failed, startAt)
			continue
		}

		for _, issue := range page.Issues {
			if issue.Key == "" {
				continue
			}
			if i, ok := seen[issue.Key]; ok {
				// Overlapping pages can serve two snapshots of one
				// issue; keep the newer one.
				if updatedOrZero(issue) > updatedOrZero(issues[i]) {
					issues[i] = issue
				}
				continue
			}
			seen[issue.Key] = len(issues)
			issues = append(issues, issue)
		}
	}

	if len(failed) > 0 {
		return nil, fmt.Errorf("%d batches failed (offsets %v): %w", len(failed), failed, ErrDataIncomplete)
	}
	if len(issues) > total {
		return nil, fmt.Errorf("fetched %d issues but the server reported %d: %w", len(issues), total, ErrDataIncomplete)
	}
	// Fewer unique issues than the reported total just means pages
	// overlapped; duplicates were collapsed above.
	if len(issues) < total {
		c.logger.Printf("deduplicated %d fetched issues to %d unique keys", total, len(issues))
	}

	return issues, nil
}

// totalCount probes the result size with an empty page.
func (c *Client) totalCount(ctx context.Context, jql string) (int, error) {
	var total int

	op := func() error {
		page, err := c.searchPage(ctx, jql, nil, 0, 0)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			c.logger.Printf("count probe failed, will retry: %v", err)
			return err
		}
		total = page.Total
		return nil
	}

	if err := backoff.Retry(op, newBackOff(ctx)); err != nil {
		return 0, fmt.Errorf("failed to count search results: %w", err)
	}
	return total, nil
}

// fetchBatch fetches one page with retries.
func (c *Client) fetchBatch(ctx context.Context, jql string, fields []string, startAt, batchSize int) (*SearchResult, error) {
	var page *SearchResult

	op := func() error {
		p, err := c.searchPage(ctx, jql, fields, startAt, batchSize)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		page = p
		return nil
	}

	if err := backoff.Retry(op, newBackOff(ctx)); err != nil {
		return nil, err
	}
	return page, nil
}

// searchPage performs one raw search request.
func (c *Client) searchPage(ctx context.Context, jql string, fields []string, startAt, maxResults int) (*SearchResult, error) {
	query := url.Values{
		"jql":        {jql},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	if len(fields) > 0 {
		query.Set("fields", strings.Join(fields, ","))
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/rest/api/2/search", query, nil)
	if err != nil {
		return nil, err
	}

	var result SearchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	return &result, nil
}

// updatedOrZero reads fields.updated as epoch milliseconds, zero when
// absent or unparseable.
func updatedOrZero(i *Issue) int64 {
	ms, err := i.UpdatedMS()
	if err != nil {
		return 0
	}
	return ms
}

// ensureKeyField guarantees the key field is requested for deduplication.
func ensureKeyField(fields []string) []string {
	if len(fields) == 0 {
		return fields
	}
	for _, f := range fields {
		if f == "key" {
			return fields
		}
	}
	return append(append([]string{}, fields...), "key")
}
