package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/relay/internal/types"
)

const (
	defaultTimeout = 30 * time.Second
	retryBase      = 500 * time.Millisecond
	retryAttempts  = 3
)

// problem mirrors the RFC 7807 body the server returns on errors.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// HTTPStore implements Store against the server's HTTP API with bearer
// authentication. Transient failures (network errors, 5xx, 429) are retried
// with exponential backoff before surfacing ErrUnavailable.
type HTTPStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPStore creates a client for the remote store at baseURL.
func NewHTTPStore(baseURL, apiKey string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

func (s *HTTPStore) Count(ctx context.Context, table string, updatedAfter time.Time) (int64, error) {
	q := url.Values{}
	if !updatedAfter.IsZero() {
		q.Set("updated_after", updatedAfter.UTC().Format(time.RFC3339Nano))
	}

	var out struct {
		Count int64 `json:"count"`
	}
	path := fmt.Sprintf("/api/v1/tables/%s/count", url.PathEscape(table))
	if err := s.doJSON(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return out.Count, nil
}

func (s *HTTPStore) Fetch(ctx context.Context, table string, updatedAfter time.Time, offset, limit int) (*Page, error) {
	q := url.Values{}
	if !updatedAfter.IsZero() {
		q.Set("updated_after", updatedAfter.UTC().Format(time.RFC3339Nano))
	}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	var page Page
	path := fmt.Sprintf("/api/v1/tables/%s/rows", url.PathEscape(table))
	if err := s.doJSON(ctx, http.MethodGet, path, q, nil, &page); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, err)
	}
	return &page, nil
}

func (s *HTTPStore) Upload(ctx context.Context, batchID string, mutations []types.Mutation) ([]types.UploadAck, error) {
	body := struct {
		BatchID   string           `json:"batch_id"`
		Mutations []types.Mutation `json:"mutations"`
	}{BatchID: batchID, Mutations: mutations}

	var out struct {
		Acks []types.UploadAck `json:"acks"`
	}
	if err := s.doJSON(ctx, http.MethodPost, "/api/v1/mutations", nil, body, &out); err != nil {
		return nil, fmt.Errorf("upload batch %s: %w", batchID, err)
	}
	if len(out.Acks) != len(mutations) {
		return nil, fmt.Errorf("upload batch %s: sent %d mutations, got %d acks", batchID, len(mutations), len(out.Acks))
	}
	return out.Acks, nil
}

func (s *HTTPStore) Ping(ctx context.Context) error {
	req, err := s.newRequest(ctx, http.MethodGet, "/api/v1/health", nil, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// Subscribe consumes the server's SSE change feed. Each event's data line
// carries one JSON-encoded change. Returns when ctx is cancelled or the
// stream ends; the caller owns the reconnect policy.
func (s *HTTPStore) Subscribe(ctx context.Context, tables []string, handler func(types.ChangeEvent)) error {
	q := url.Values{}
	if len(tables) > 0 {
		q.Set("tables", strings.Join(tables, ","))
	}

	req, err := s.newRequest(ctx, http.MethodGet, "/api/v1/changes", q, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return s.responseError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event types.ChangeEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("parse change event: %w", err)
		}
		handler(event)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: change feed closed: %v", ErrUnavailable, err)
	}
	return ctx.Err()
}

// doJSON issues a request with retry on transient failures and decodes the
// JSON response into out.
func (s *HTTPStore) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	backoff := retry.WithMaxRetries(retryAttempts, retry.NewExponential(retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := s.newRequest(ctx, method, path, query, reader)
		if err != nil {
			return err
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(s.responseError(resp))
		default:
			return s.responseError(resp)
		}
	})
}

func (s *HTTPStore) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := s.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// responseError converts a non-200 response into an error, preferring the
// RFC 7807 detail when the server sent one.
func (s *HTTPStore) responseError(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var p problem
	if err := json.Unmarshal(data, &p); err == nil && p.Detail != "" {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s (status %d)", ErrUnavailable, p.Detail, resp.StatusCode)
		}
		return fmt.Errorf("remote error: %s (status %d)", p.Detail, resp.StatusCode)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return fmt.Errorf("remote error: status %d", resp.StatusCode)
}
