// Package jira provides the read-only source client for the sync pipeline.
//
// The client targets the REST v2 API of a self-hosted instance with basic
// authentication. Its search path is atomic: a cycle either observes the
// complete result set for a query or an error, never a silent partial.
package jira

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const requestTimeout = 30 * time.Second

// Config carries the connection settings for the source instance.
type Config struct {
	ServerURL string
	Username  string
	Password  string

	// Logger receives request diagnostics. Defaults to a discarding logger.
	Logger *log.Logger

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client provides HTTP access to the source instance.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient creates a source client from config.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.ServerURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// GetIssue fetches a single issue by key with the given field subset.
func (c *Client) GetIssue(ctx context.Context, key string, fields []string) (*Issue, error) {
	query := url.Values{}
	if len(fields) > 0 {
		query.Set("fields", strings.Join(fields, ","))
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/rest/api/2/issue/"+url.PathEscape(key), query, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s: %w", key, err)
	}

	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("failed to parse issue %s: %w", key, err)
	}
	return &issue, nil
}

// Myself verifies the credentials and returns the account's display name.
func (c *Client) Myself(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/rest/api/2/myself", nil, nil)
	if err != nil {
		return "", fmt.Errorf("failed to verify credentials: %w", err)
	}

	var me struct {
		DisplayName string `json:"displayName"`
		Name        string `json:"name"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		return "", fmt.Errorf("failed to parse myself response: %w", err)
	}
	if me.DisplayName != "" {
		return me.DisplayName, nil
	}
	return me.Name, nil
}

// ServerInfo fetches instance identification for health checks.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/rest/api/2/serverInfo", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get server info: %w", err)
	}

	var info ServerInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse server info: %w", err)
	}
	return &info, nil
}

// apiError carries the HTTP status for retry classification.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("source API returned %d: %s", e.status, e.body)
}

// retryable reports whether an error is worth another attempt. Rate
// limits and server-side failures are transient; other API rejections
// (bad JQL, bad credentials) will not improve on retry.
func retryable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status == http.StatusTooManyRequests || ae.status >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// doRequest executes an authenticated request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	apiURL := c.baseURL + path
	if len(query) > 0 {
		apiURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setAuth(req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "jlsync/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{status: resp.StatusCode, body: truncate(string(respBody), 500)}
	}

	return respBody, nil
}

func (c *Client) setAuth(req *http.Request) {
	auth := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
	req.Header.Set("Authorization", "Basic "+auth)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
