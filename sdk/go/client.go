package relaysdk

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

// Client is a minimal task relay HTTP client. Submitting tasks needs only the
// shared secret in the task; the /v0 admin calls need BearerToken.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Task submissions block for the
// whole pipeline including git push, so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 2 * time.Minute,
	}
}

type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Task is the body of POST /api-endpoint.
type Task struct {
	Secret        string       `json:"secret"`
	Task          string       `json:"task,omitempty"`
	Brief         string       `json:"brief,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	Checks        []string     `json:"checks,omitempty"`
	Round         int          `json:"round,omitempty"`
	Nonce         string       `json:"nonce,omitempty"`
	Email         string       `json:"email,omitempty"`
	EvaluationURL string       `json:"evaluation_url,omitempty"`
}

type Response struct {
	Email     string  `json:"email"`
	Task      string  `json:"task"`
	Round     int     `json:"round"`
	Nonce     string  `json:"nonce"`
	RepoURL   *string `json:"repo_url"`
	CommitSHA string  `json:"commit_sha"`
	PagesURL  string  `json:"pages_url"`
}

// SubmitResult is a successful task response.
type SubmitResult struct {
	OK   bool `json:"ok"`
	Meta struct {
		Created []string `json:"created"`
		Saved   []string `json:"saved"`
	} `json:"meta"`
	Response Response `json:"response"`
}

type Run struct {
	ID         string  `json:"id"`
	Task       string  `json:"task"`
	Nonce      string  `json:"nonce,omitempty"`
	Round      int     `json:"round"`
	Rule       string  `json:"rule,omitempty"`
	Status     string  `json:"status"`
	CommitSHA  *string `json:"commit_sha,omitempty"`
	Error      *string `json:"error,omitempty"`
	CreatedAt  string  `json:"created_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Message and Details are filled when the
// body is a relay error envelope.
type APIError struct {
	StatusCode int
	Message    string
	Details    any
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d error=%s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Submit posts a task and waits for the pipeline to finish.
func (c *Client) Submit(ctx context.Context, task Task) (SubmitResult, error) {
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "api-endpoint", task, &resp)
	return resp, err
}

// Health reports whether the admin API answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

// Runs lists recent runs, optionally filtered by status.
func (c *Client) Runs(ctx context.Context, status string, limit int) ([]Run, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/runs", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) Run(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error   string `json:"error"`
			Details any    `json:"details"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Message = envelope.Error
			apiErr.Details = envelope.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
