// Package lark implements the sink client for Lark Base tables.
//
// Every call runs under the platform's success convention: a request
// succeeded only when the HTTP status is 200 and the response body carries
// code 0. Tenant access tokens are cached until shortly before expiry and
// refreshed under a lock, so concurrent table workers share one token.
package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	requestTimeout = 60 * time.Second

	// tokenSafetyMargin is subtracted from the advertised token lifetime
	// so a token never expires mid-request.
	tokenSafetyMargin = 300 * time.Second

	// MaxPageSize is the largest record page the API serves.
	MaxPageSize = 500

	// MaxBatchSize is the hard cap on rows per batch call.
	MaxBatchSize = 500
)

// Config carries the connection settings for the sink.
type Config struct {
	AppID     string
	AppSecret string

	// BaseURL defaults to the international endpoint.
	BaseURL string

	// Logger receives request diagnostics. Defaults to a discarding logger.
	Logger *log.Logger

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client provides authenticated access to the sink API.
type Client struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
	logger     *log.Logger

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time

	wikiMu    sync.Mutex
	objTokens map[string]string
}

// NewClient creates a sink client from config.
func NewClient(cfg Config) (*Client, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("app ID and app secret are required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://open.larksuite.com"
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
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		appID:      cfg.AppID,
		appSecret:  cfg.AppSecret,
		httpClient: httpClient,
		logger:     logger,
		objTokens:  make(map[string]string),
	}, nil
}

// tenantToken returns a valid tenant access token, refreshing it when the
// cached one is within the safety margin of expiry.
func (c *Client) tenantToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request tenant token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request returned HTTP %d: %w", resp.StatusCode, ErrTokenUnavailable)
	}

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("token request failed with code %d (%s): %w", result.Code, result.Msg, ErrTokenUnavailable)
	}

	expire := result.Expire
	if expire <= 0 {
		expire = 7200
	}

	c.token = result.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(expire)*time.Second - tokenSafetyMargin)
	c.logger.Printf("refreshed tenant access token, valid for %ds", expire)

	return c.token, nil
}

// envelope is the standard response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// doRequest issues one authenticated call and unwraps the envelope.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload any) (json.RawMessage, error) {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return nil, err
	}

	apiURL := c.baseURL + path
	if len(query) > 0 {
		apiURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr != nil {
		env = envelope{Msg: truncate(string(body), 300)}
	}

	if resp.StatusCode != http.StatusOK || env.Code != 0 {
		return nil, &APIError{HTTPStatus: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}

	return env.Data, nil
}

// doRequestWithRetry runs doRequest under the transient-error retry
// policy: exponential backoff with jitter, three attempts total.
//
// Duplicate tolerance: retrying a create after a transport failure can
// leave an extra row when the first request actually landed. The pipeline
// absorbs that; a later scan sees both rows under one issue key and the
// cleanup pass removes the older one.
func (c *Client) doRequestWithRetry(ctx context.Context, method, path string, query url.Values, payload any) (json.RawMessage, error) {
	var data json.RawMessage

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.5

	op := func() error {
		d, err := c.doRequest(ctx, method, path, query, payload)
		if err != nil {
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			c.logger.Printf("%s %s failed, will retry: %v", method, path, err)
			return err
		}
		data = d
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx)); err != nil {
		return nil, err
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
