package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/csmhq/csm/internal/common/logger"
	"github.com/csmhq/csm/internal/events"
)

const (
	eventPushTimeout = 5 * time.Second
	healthTimeout    = 2 * time.Second
	syncTimeout      = 10 * time.Second
)

// Client talks to the master's worker endpoints with a bearer token.
// Per-call timeouts differ: event push 5s, health probe 2s, full sync 10s.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *logger.Logger
}

// NewClient creates a master client. baseURL has no trailing slash.
func NewClient(baseURL, token string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		log:     log,
	}
}

// PushEvent delivers one worker event. Any network error or non-2xx
// status is a failure; the caller keeps the event queued.
func (c *Client) PushEvent(ctx context.Context, ev events.WorkerEvent) error {
	return c.post(ctx, "/api/worker-events", ev, eventPushTimeout)
}

// Healthy probes the master with a short timeout.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer drainBody(resp)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// SyncSessions replaces the master's view of this worker's sessions.
func (c *Client) SyncSessions(ctx context.Context, workerID string, sessions []Session) error {
	body := map[string]any{"workerId": workerID, "sessions": sessions}
	return c.post(ctx, "/api/worker-sync", body, syncTimeout)
}

func (c *Client) post(ctx context.Context, path string, body any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer drainBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: master returned %d", path, resp.StatusCode)
	}
	return nil
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
