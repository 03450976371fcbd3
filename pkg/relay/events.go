package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// SubscribeEvents streams replication lifecycle events to handler until ctx
// is cancelled or the connection drops. Reconnecting is the caller's choice;
// events published while disconnected are not replayed.
func (c *Client) SubscribeEvents(ctx context.Context, handler func(Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	// The stream is long-lived; the configured client timeout would kill it.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		handler(event)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}
