package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Field describes one sink table column.
type Field struct {
	Name string `json:"field_name"`
	Type int    `json:"type"`
}

// Record is one sink table row.
type Record struct {
	RecordID string         `json:"record_id"`
	Fields   map[string]any `json:"fields"`
}

func (c *Client) tablePath(appToken, tableID string) string {
	return "/open-apis/bitable/v1/apps/" + url.PathEscape(appToken) + "/tables/" + url.PathEscape(tableID)
}

// ListFields returns the columns of a table.
func (c *Client) ListFields(ctx context.Context, appToken, tableID string) ([]Field, error) {
	path := c.tablePath(appToken, tableID) + "/fields"

	var fields []Field
	pageToken := ""
	for {
		query := url.Values{"page_size": {"100"}}
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}

		data, err := c.doRequestWithRetry(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list fields of %s: %w", tableID, err)
		}

		var page struct {
			Items     []Field `json:"items"`
			HasMore   bool    `json:"has_more"`
			PageToken string  `json:"page_token"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("failed to parse fields response: %w", err)
		}

		fields = append(fields, page.Items...)
		if !page.HasMore || page.PageToken == "" {
			break
		}
		pageToken = page.PageToken
	}

	return fields, nil
}

// FieldNames returns the column names of a table as a lookup set.
func (c *Client) FieldNames(ctx context.Context, appToken, tableID string) (map[string]bool, error) {
	fields, err := c.ListFields(ctx, appToken, tableID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(fields))
	for _, f := range fields {
		names[f.Name] = true
	}
	return names, nil
}

// ScanRecords walks the whole table and returns every row exactly once.
// fieldNames optionally narrows the columns fetched per row.
func (c *Client) ScanRecords(ctx context.Context, appToken, tableID string, fieldNames []string) ([]Record, error) {
	path := c.tablePath(appToken, tableID) + "/records"

	var fieldFilter string
	if len(fieldNames) > 0 {
		encoded, err := json.Marshal(fieldNames)
		if err != nil {
			return nil, fmt.Errorf("failed to encode field filter: %w", err)
		}
		fieldFilter = string(encoded)
	}

	var records []Record
	pageToken := ""
	for {
		query := url.Values{"page_size": {strconv.Itoa(MaxPageSize)}}
		if fieldFilter != "" {
			query.Set("field_names", fieldFilter)
		}
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}

		data, err := c.doRequestWithRetry(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to scan records of %s: %w", tableID, err)
		}

		var page struct {
			Items     []Record `json:"items"`
			HasMore   bool     `json:"has_more"`
			PageToken string   `json:"page_token"`
			Total     int      `json:"total"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("failed to parse records response: %w", err)
		}

		records = append(records, page.Items...)
		if !page.HasMore || page.PageToken == "" {
			break
		}
		pageToken = page.PageToken
	}

	c.logger.Printf("scanned %d records from table %s", len(records), tableID)
	return records, nil
}

// CreateRecord inserts a single row and returns its record ID.
func (c *Client) CreateRecord(ctx context.Context, appToken, tableID string, fields map[string]any) (string, error) {
	path := c.tablePath(appToken, tableID) + "/records"

	data, err := c.doRequestWithRetry(ctx, http.MethodPost, path, nil, map[string]any{"fields": fields})
	if err != nil {
		return "", fmt.Errorf("failed to create record in %s: %w", tableID, err)
	}

	var result struct {
		Record struct {
			RecordID string `json:"record_id"`
		} `json:"record"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to parse create response: %w", err)
	}
	return result.Record.RecordID, nil
}

// UpdateRecord overwrites the given fields of one row. The call is
// idempotent: updating the same row with the same fields twice is safe.
func (c *Client) UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]any) error {
	path := c.tablePath(appToken, tableID) + "/records/" + url.PathEscape(recordID)

	if _, err := c.doRequestWithRetry(ctx, http.MethodPut, path, nil, map[string]any{"fields": fields}); err != nil {
		return fmt.Errorf("failed to update record %s in %s: %w", recordID, tableID, err)
	}
	return nil
}

// BatchCreate inserts up to MaxBatchSize rows in one call and returns the
// new record IDs aligned with the input order. Chunking larger sets is the
// caller's job; the cap is a hard API limit, not a policy here.
func (c *Client) BatchCreate(ctx context.Context, appToken, tableID string, rows []map[string]any) ([]string, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if len(rows) > MaxBatchSize {
		return nil, fmt.Errorf("%d rows: %w", len(rows), ErrBatchTooLarge)
	}

	records := make([]map[string]any, len(rows))
	for i, fields := range rows {
		records[i] = map[string]any{"fields": fields}
	}

	path := c.tablePath(appToken, tableID) + "/records/batch_create"
	data, err := c.doRequestWithRetry(ctx, http.MethodPost, path, nil, map[string]any{"records": records})
	if err != nil {
		return nil, fmt.Errorf("failed to batch create %d records in %s: %w", len(rows), tableID, err)
	}

	var result struct {
		Records []struct {
			RecordID string `json:"record_id"`
		} `json:"records"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse batch create response: %w", err)
	}

	ids := make([]string, len(result.Records))
	for i, r := range result.Records {
		ids[i] = r.RecordID
	}
	if len(ids) != len(rows) {
		return ids, fmt.Errorf("batch create returned %d ids for %d rows", len(ids), len(rows))
	}
	return ids, nil
}

// BatchDelete removes rows in chunks of MaxBatchSize.
func (c *Client) BatchDelete(ctx context.Context, appToken, tableID string, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}

	path := c.tablePath(appToken, tableID) + "/records/batch_delete"
	for start := 0; start < len(recordIDs); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(recordIDs) {
			end = len(recordIDs)
		}

		payload := map[string]any{"records": recordIDs[start:end]}
		if _, err := c.doRequestWithRetry(ctx, http.MethodPost, path, nil, payload); err != nil {
			return fmt.Errorf("failed to batch delete records %d-%d in %s: %w", start, end, tableID, err)
		}
	}

	c.logger.Printf("deleted %d records from table %s", len(recordIDs), tableID)
	return nil
}
