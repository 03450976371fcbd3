// Package relay is the Go client for a locally running replication engine.
// Host application code talks to the engine's HTTP surface through it
// instead of hand-rolling requests.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the engine address, e.g. "http://127.0.0.1:8390".
	BaseURL string

	// APIKey authenticates against the engine when it has one configured.
	APIKey string

	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client
}

// Client talks to a running engine.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		http:    httpClient,
	}, nil
}

// Get fetches one row.
func (c *Client) Get(ctx context.Context, table, key string) (*Row, error) {
	var row Row
	path := fmt.Sprintf("/api/v1/tables/%s/rows/%s", url.PathEscape(table), url.PathEscape(key))
	if err := c.do(ctx, http.MethodGet, path, nil, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// Put writes a row. The write is applied locally at once and queued for
// upload; the returned row carries the provisional version.
func (c *Client) Put(ctx context.Context, table, key string, payload any) (*Row, error) {
	return c.put(ctx, table, key, payload, nil)
}

// PutIfVersion writes a row only if it is still at the expected version.
// A stale expectation fails with a conflict; check with IsConflict.
func (c *Client) PutIfVersion(ctx context.Context, table, key string, payload any, expected Version) (*Row, error) {
	return c.put(ctx, table, key, payload, &expected)
}

func (c *Client) put(ctx context.Context, table, key string, payload any, expected *Version) (*Row, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	body := struct {
		Payload         json.RawMessage `json:"payload"`
		ExpectedVersion *Version        `json:"expected_version,omitempty"`
	}{Payload: raw, ExpectedVersion: expected}

	var row Row
	path := fmt.Sprintf("/api/v1/tables/%s/rows/%s", url.PathEscape(table), url.PathEscape(key))
	if err := c.do(ctx, http.MethodPut, path, body, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// Delete removes a row and queues the tombstone for upload.
func (c *Client) Delete(ctx context.Context, table, key string) error {
	path := fmt.Sprintf("/api/v1/tables/%s/rows/%s", url.PathEscape(table), url.PathEscape(key))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Query returns the rows whose payload field equals value.
func (c *Client) Query(ctx context.Context, table, field, value string) ([]Row, error) {
	var out struct {
		Rows []Row `json:"rows"`
	}
	path := fmt.Sprintf("/api/v1/tables/%s/query?field=%s&value=%s",
		url.PathEscape(table), url.QueryEscape(field), url.QueryEscape(value))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

// Sync schedules a sync pass for one table, or for every registered table
// when table is empty. Completion surfaces on the event stream.
func (c *Client) Sync(ctx context.Context, table string, full bool) error {
	body := struct {
		Table string `json:"table,omitempty"`
		Full  bool   `json:"full,omitempty"`
	}{Table: table, Full: full}
	return c.do(ctx, http.MethodPost, "/api/v1/sync", body, nil)
}

// SyncStatus returns the engine-wide sync snapshot.
func (c *Client) SyncStatus(ctx context.Context) (*SyncStatus, error) {
	var status SyncStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/sync/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Health returns the engine health snapshot.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var health Health
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Failed lists mutations awaiting manual retry.
func (c *Client) Failed(ctx context.Context) ([]FailedMutation, error) {
	var out struct {
		Failed []FailedMutation `json:"failed"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/queue", nil, &out); err != nil {
		return nil, err
	}
	return out.Failed, nil
}

// Retry requeues a failed mutation for upload.
func (c *Client) Retry(ctx context.Context, mutationID string) error {
	path := fmt.Sprintf("/api/v1/queue/%s/retry", url.PathEscape(mutationID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil {
		if problem.Title != "" {
			apiErr.Title = problem.Title
		}
		apiErr.Detail = problem.Detail
	}
	return apiErr
}
