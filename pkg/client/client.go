package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client for the pqbus HTTP API
type Client struct {
	baseURL string
	client  *http.Client
}

// Message is a message claimed through the API
type Message struct {
	ID         int64      `json:"id"`
	Queue      string     `json:"queue"`
	Body       []byte     `json:"body"`
	Deliveries int        `json:"deliveries"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Stats mirrors the queue stats returned by the API
type Stats struct {
	Namespace     string     `json:"namespace"`
	Queue         string     `json:"queue"`
	Available     int64      `json:"available"`
	Claimed       int64      `json:"claimed"`
	OldestCreated *time.Time `json:"oldest_created_at,omitempty"`
}

// StatusError is returned when the server answers with an unexpected status
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %d %s", e.Op, e.StatusCode, e.Message)
}

// Temporary reports whether the server was unable to reach its store.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// NewClient creates a new client. Requests time out after 30s, which allows
// for the longest receive wait the server accepts.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Push sends body to a queue and returns the message id
func (c *Client) Push(ctx context.Context, queue string, body []byte) (int64, error) {
	resp, err := c.do(ctx, "push", http.MethodPost, c.queueURL(queue, "messages"), body, http.StatusCreated)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var result struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

// PushJSON marshals v and pushes it
func (c *Client) PushJSON(ctx context.Context, queue string, v any) (int64, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal body: %w", err)
	}
	return c.Push(ctx, queue, body)
}

// Receive claims the oldest message, waiting up to wait for one. It returns
// nil when the queue stays empty.
func (c *Client) Receive(ctx context.Context, queue string, wait time.Duration) (*Message, error) {
	u := c.queueURL(queue, "receive")
	if wait > 0 {
		u += fmt.Sprintf("?wait=%d", wait.Milliseconds())
	}
	resp, err := c.do(ctx, "receive", http.MethodPost, u, nil, http.StatusOK, http.StatusNoContent)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var m Message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Ack acknowledges a message
func (c *Client) Ack(ctx context.Context, queue string, id int64) error {
	return c.settle(ctx, "ack", queue, id)
}

// Release returns a message to its queue
func (c *Client) Release(ctx context.Context, queue string, id int64) error {
	return c.settle(ctx, "release", queue, id)
}

// Stats returns queue statistics
func (c *Client) Stats(ctx context.Context, queue string) (*Stats, error) {
	resp, err := c.do(ctx, "stats", http.MethodGet, c.queueURL(queue, ""), nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var s Stats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) settle(ctx context.Context, op, queue string, id int64) error {
	resp, err := c.do(ctx, op, http.MethodPost, c.queueURL(queue, fmt.Sprintf("messages/%d/%s", id, op)), nil, http.StatusOK)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) queueURL(queue, path string) string {
	u := fmt.Sprintf("%s/v1/queues/%s", c.baseURL, url.PathEscape(queue))
	if path != "" {
		u += "/" + path
	}
	return u
}

func (c *Client) do(ctx context.Context, op, method, target string, body []byte, want ...int) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	for _, code := range want {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	defer resp.Body.Close()

	var apiErr struct {
		Error string `json:"error"`
	}
	bodyBytes, _ := io.ReadAll(resp.Body)
	msg := string(bodyBytes)
	if json.Unmarshal(bodyBytes, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}
	return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Message: msg}
}
