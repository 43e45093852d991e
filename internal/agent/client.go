// Package agent is the HTTP client for the daemon running on each VPS
// worker. All requests go through the shared retry executor; transient
// failures are retried with backoff, persistent ones surface to the
// dispatcher which decides the stream's fate.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/truongvando/ezstream-sub006/pkg/clients"
	"github.com/truongvando/ezstream-sub006/pkg/models"
)

// APIError is a non-2xx reply from a worker agent.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("agent returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("agent returned status %d", e.StatusCode)
}

// StartRequest tells the agent to launch a relay process.
type StartRequest struct {
	StreamID string              `json:"stream_id"`
	Config   models.StreamConfig `json:"config"`
}

// StopRequest tells the agent to terminate a relay process.
type StopRequest struct {
	StreamID string `json:"stream_id"`
}

// PlaylistCommand adjusts the playlist of a running relay in place.
type PlaylistCommand struct {
	StreamID string      `json:"stream_id"`
	Action   string      `json:"action"`
	Payload  interface{} `json:"payload,omitempty"`
}

// StreamStatus is the agent's live view of one relay process.
type StreamStatus struct {
	StreamID     string   `json:"stream_id"`
	Running      bool     `json:"running"`
	CurrentFile  string   `json:"current_file,omitempty"`
	Playlist     []string `json:"playlist,omitempty"`
	UptimeSecond int64    `json:"uptime_seconds"`
}

// Client talks to worker agents. One client serves the whole fleet; the
// target worker is passed per call.
type Client struct {
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
}

type Option func(*Client)

// NewClient creates an agent client with the default retry policy and
// circuit breaker.
func NewClient(opts ...Option) *Client {
	cfg := clients.DefaultHTTPExecutorConfig()
	cfg.UseCircuitBreaker = true
	c := &Client{
		client:       &http.Client{Timeout: 15 * time.Second},
		httpExecutor: clients.NewHTTPExecutor(cfg),
		shouldRetry:  cfg.ShouldRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithHTTPExecutorConfig(cfg clients.HTTPExecutorConfig) Option {
	return func(c *Client) {
		c.httpExecutor = clients.NewHTTPExecutor(cfg)
		c.shouldRetry = cfg.ShouldRetry
	}
}

func (c *Client) doRequest(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	return clients.ExecuteHTTP(ctx, c.httpExecutor, func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if c.shouldRetry != nil && c.shouldRetry(resp, err) {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return resp, err
	})
}

func (c *Client) postJSON(ctx context.Context, w models.WorkerNode, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode agent request: %w", err)
	}

	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL(w, path), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+w.AgentToken)
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return nil
}

func agentURL(w models.WorkerNode, path string) string {
	return strings.TrimSuffix(w.Address, "/") + path
}

func apiError(resp *http.Response) error {
	var envelope models.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &envelope)
	return &APIError{StatusCode: resp.StatusCode, Message: envelope.Error}
}

// StartStream launches a relay for the stream on the worker.
func (c *Client) StartStream(ctx context.Context, w models.WorkerNode, streamID string, cfg models.StreamConfig) error {
	return c.postJSON(ctx, w, "/api/streams/start", StartRequest{StreamID: streamID, Config: cfg})
}

// StopStream terminates the stream's relay on the worker. The agent treats a
// stop for an unknown stream as success, so stop is safe to retry.
func (c *Client) StopStream(ctx context.Context, w models.WorkerNode, streamID string) error {
	return c.postJSON(ctx, w, "/api/streams/stop", StopRequest{StreamID: streamID})
}

// SendPlaylistCommand forwards a playlist adjustment to the relay.
func (c *Client) SendPlaylistCommand(ctx context.Context, w models.WorkerNode, cmd PlaylistCommand) error {
	return c.postJSON(ctx, w, "/api/streams/"+cmd.StreamID+"/playlist", cmd)
}

// GetStreamStatus asks the worker for its live view of the stream.
func (c *Client) GetStreamStatus(ctx context.Context, w models.WorkerNode, streamID string) (StreamStatus, error) {
	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL(w, "/api/streams/"+streamID+"/status"), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+w.AgentToken)
		return req, nil
	})
	if err != nil {
		return StreamStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StreamStatus{}, apiError(resp)
	}

	var status StreamStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return StreamStatus{}, fmt.Errorf("failed to decode agent status: %w", err)
	}
	return status, nil
}
