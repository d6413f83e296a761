package agentlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Agentline HTTP API client.
type Client struct {
	BaseURL     string
	Agent       string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Agent is sent as X-Agent when
// the server runs with anonymous auth.
func New(baseURL, agent string) *Client {
	return &Client{
		BaseURL: baseURL,
		Agent:   agent,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID            string  `json:"id"`
	SessionID     string  `json:"session_id"`
	Agent         string  `json:"agent"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"started_at,omitempty"`
	LastHeartbeat *string `json:"last_heartbeat,omitempty"`
	TimeoutMs     int64   `json:"timeout_ms"`
	MaxRetries    int     `json:"max_retries"`
	RetryCount    int     `json:"retry_count"`
	Result        string  `json:"result,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Event represents a ledger entry.
type Event struct {
	Seq     int64          `json:"seq"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload"`
}

// Dialogue represents an open clarification exchange.
type Dialogue struct {
	ID               string              `json:"id"`
	Agent            string              `json:"agent"`
	Command          string              `json:"command"`
	SessionID        string              `json:"session_id"`
	Turn             int                 `json:"turn"`
	Status           string              `json:"status"`
	Direction        map[string][]string `json:"direction"`
	PendingQuestions []string            `json:"pending_questions,omitempty"`
}

// WaitResult is the outcome of a long-poll wait.
type WaitResult struct {
	TimedOut bool   `json:"timed_out"`
	Event    *Event `json:"event,omitempty"`
}

// SweepResult summarizes one liveness pass.
type SweepResult struct {
	TimedOut  []Task `json:"timed_out,omitempty"`
	Stuck     []Task `json:"stuck,omitempty"`
	Requeued  []Task `json:"requeued,omitempty"`
	Exhausted []Task `json:"exhausted,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterTask registers a task for tracking.
func (c *Client) RegisterTask(ctx context.Context, agent, prompt, sessionID string) (Task, error) {
	body := map[string]any{
		"agent":      agent,
		"prompt":     prompt,
		"session_id": sessionID,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.taskPath(id, ""), nil, &resp)
	return resp, err
}

// StartTask marks a task running.
func (c *Client) StartTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "start"), nil, &resp)
	return resp, err
}

// Heartbeat records liveness for a running task.
func (c *Client) Heartbeat(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "heartbeat"), nil, &resp)
	return resp, err
}

// CompleteTask completes a running task.
func (c *Client) CompleteTask(ctx context.Context, id, result string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "complete"), map[string]any{"result": result}, &resp)
	return resp, err
}

// FailTask fails a running task.
func (c *Client) FailTask(ctx context.Context, id, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "fail"), map[string]any{"error": reason}, &resp)
	return resp, err
}

// RetryTask requeues a failed or timed-out task.
func (c *Client) RetryTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "retry"), nil, &resp)
	return resp, err
}

// Sweep runs one liveness evaluation pass.
func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, "v0/tasks/sweep", nil, &resp)
	return resp, err
}

// Events returns recent events in append order.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AppendEvent appends an event to the ledger.
func (c *Client) AppendEvent(ctx context.Context, evtType string, payload map[string]any) (Event, error) {
	body := map[string]any{"type": evtType, "payload": payload}
	var resp Event
	err := c.do(ctx, http.MethodPost, "v0/events", body, &resp)
	return resp, err
}

// Wait blocks until an event matching the filter lands, or the timeout.
// A timed-out wait is not an error. Set Client.Timeout above the wait
// timeout or the HTTP client gives up first.
func (c *Client) Wait(ctx context.Context, taskID string, types []string, timeout time.Duration) (WaitResult, error) {
	body := map[string]any{
		"task_id":    taskID,
		"types":      types,
		"timeout_ms": timeout.Milliseconds(),
	}
	var resp WaitResult
	err := c.do(ctx, http.MethodPost, "v0/wait", body, &resp)
	return resp, err
}

// ContinueDialogue routes a user reply into the open dialogue for
// (agent, command, sessionID). With no match the reply is returned as a
// fresh request.
func (c *Client) ContinueDialogue(ctx context.Context, agent, command, sessionID, reply string) (map[string]any, error) {
	body := map[string]any{
		"agent":      agent,
		"command":    command,
		"session_id": sessionID,
		"reply":      reply,
	}
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, "v0/dialogues/continue", body, &resp)
	return resp, err
}

// ActiveDialogue returns the most recently updated open dialogue, or nil.
func (c *Client) ActiveDialogue(ctx context.Context) (*Dialogue, error) {
	var resp *Dialogue
	err := c.do(ctx, http.MethodGet, "v0/dialogues/active", nil, &resp)
	return resp, err
}

// Snapshot returns the rendered ledger snapshot markdown.
func (c *Client) Snapshot(ctx context.Context) (string, error) {
	var resp struct {
		Markdown string `json:"markdown"`
	}
	err := c.do(ctx, http.MethodGet, "v0/snapshot", nil, &resp)
	return resp.Markdown, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Agent != "":
		req.Header.Set("X-Agent", c.Agent)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) taskPath(id, action string) string {
	p := fmt.Sprintf("v0/tasks/%s", url.PathEscape(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
