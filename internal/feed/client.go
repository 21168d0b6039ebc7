package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"campusfeed/internal/model"
)

// Client keeps one session's Cache in sync against the campusfeed HTTP API:
// snapshot on start, prepend on live push, and snapshot again after every
// reconnect instead of trusting anything buffered.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cache   *Cache

	// ReconnectDelay spaces reconnect attempts. Zero means a second.
	ReconnectDelay time.Duration
}

// NewClient builds a client for baseURL authenticating with the bearer
// token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		cache:   NewCache(),
	}
}

// Cache exposes the session's notification list.
func (c *Client) Cache() *Cache {
	return c.cache
}

// Sync replaces the cache from the snapshot endpoint.
func (c *Client) Sync(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/notifications", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("snapshot: unexpected status %d", resp.StatusCode)
	}
	var list []model.Notification
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	c.cache.Replace(list)
	return nil
}

// Run syncs, then consumes the live stream until ctx is done, re-syncing
// and re-subscribing whenever the connection drops. Notifications are
// prepended to the cache and handed to onPush when it is non-nil. Run
// returns ctx.Err() on cancellation; any other stream failure triggers a
// reconnect instead of a return.
func (c *Client) Run(ctx context.Context, onPush func(model.Notification)) error {
	delay := c.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	for {
		if err := c.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		} else if err := c.stream(ctx, onPush); errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) stream(ctx context.Context, onPush func(model.Notification)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/notifications/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var n model.Notification
				if err := json.Unmarshal([]byte(data.String()), &n); err == nil {
					c.cache.Prepend(n)
					if onPush != nil {
						onPush(n)
					}
				}
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	return fmt.Errorf("stream: server closed connection")
}
