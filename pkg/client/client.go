package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rmax-ai/raciflow/pkg/graph"
	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

// DefaultEndpoint is used when NewClient gets an empty endpoint.
const DefaultEndpoint = "http://127.0.0.1:8090"

// ErrNoPass is returned by Result before the daemon ran any pass.
var ErrNoPass = errors.New("no reconciliation pass yet")

// Client is the raciflow SDK client.
type Client struct {
	endpoint   string
	token      string
	http       *http.Client
	backoff    BackoffStrategy
	maxRetries int
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends "Authorization: Bearer <token>" with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBackoff sets the retry strategy and the number of retries after the
// first attempt. Zero retries disables retrying.
func WithBackoff(b BackoffStrategy, retries int) Option {
	return func(c *Client) {
		c.backoff = b
		c.maxRetries = retries
	}
}

// NewClient creates a new raciflow client.
// endpoint defaults to DefaultEndpoint if empty.
func NewClient(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		backoff:    DefaultBackoff(),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) (Status, error) {
	var status Status
	err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &status)
	return status, err
}

// Matrix fetches the stored matrix. With pending set, buffered edits are
// applied to the returned copy.
func (c *Client) Matrix(ctx context.Context, pending bool) (*matrix.Matrix, error) {
	path := "/v1/matrix"
	if pending {
		path += "?pending=true"
	}
	m := matrix.New()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SetCell buffers one edit and returns the buffer afterwards.
func (c *Client) SetCell(ctx context.Context, edit CellEdit) (Buffer, error) {
	if edit.Task == "" || edit.Role == "" {
		return Buffer{}, fmt.Errorf("invalid edit: task and role are required")
	}
	if _, err := matrix.ParseCell(edit.Cell); err != nil {
		return Buffer{}, fmt.Errorf("invalid edit: %w", err)
	}
	var buf Buffer
	err := c.doJSON(ctx, http.MethodPost, "/v1/matrix/cells", edit, &buf)
	return buf, err
}

// Buffer returns the change buffer.
func (c *Client) Buffer(ctx context.Context) (Buffer, error) {
	var buf Buffer
	err := c.doJSON(ctx, http.MethodGet, "/v1/buffer", nil, &buf)
	return buf, err
}

// Flush triggers the buffer now. A forced flush stores an invalid matrix;
// the reconciler still refuses to mutate the graph for it.
func (c *Client) Flush(ctx context.Context, force bool) (FlushOutcome, error) {
	var out FlushOutcome
	err := c.doJSON(ctx, http.MethodPost, "/v1/flush", map[string]bool{"force": force}, &out)
	return out, err
}

// Validate validates the matrix including pending edits.
func (c *Client) Validate(ctx context.Context) (validation.Result, error) {
	var vr validation.Result
	err := c.doJSON(ctx, http.MethodGet, "/v1/validation", nil, &vr)
	return vr, err
}

// Graph fetches the process graph.
func (c *Client) Graph(ctx context.Context) (*graph.Graph, error) {
	g := graph.NewGraph()
	if err := c.doJSON(ctx, http.MethodGet, "/v1/graph", nil, g); err != nil {
		return nil, err
	}
	return g, nil
}

// DeleteNode deletes a graph node.
func (c *Client) DeleteNode(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("invalid node id")
	}
	return c.doJSON(ctx, http.MethodDelete, "/v1/graph/nodes/"+url.PathEscape(id), nil, nil)
}

// Result fetches the last reconciliation pass.
func (c *Client) Result(ctx context.Context) (Pass, error) {
	var p Pass
	err := c.doJSON(ctx, http.MethodGet, "/v1/result", nil, &p)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return Pass{}, ErrNoPass
	}
	return p, err
}

// GetEvents fetches recent events from the daemon.
func (c *Client) GetEvents(ctx context.Context, opts EventsOptions) ([]Event, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(opts.Limit))
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.Task != "" {
		q.Set("task", opts.Task)
	}
	if opts.Role != "" {
		q.Set("role", opts.Role)
	}
	var events []Event
	err := c.doJSON(ctx, http.MethodGet, "/v1/events?"+q.Encode(), nil, &events)
	return events, err
}

// RegisterWebhook registers url for the given event types ("*" for all).
func (c *Client) RegisterWebhook(ctx context.Context, hookURL string, events []string) (WebhookRegistration, error) {
	var reg WebhookRegistration
	err := c.doJSON(ctx, http.MethodPost, "/v1/webhooks", map[string]any{"url": hookURL, "events": events}, &reg)
	return reg, err
}

// ListWebhooks lists active webhooks.
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var hooks []Webhook
	err := c.doJSON(ctx, http.MethodGet, "/v1/webhooks", nil, &hooks)
	return hooks, err
}

// DeleteWebhook removes a webhook.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/webhooks/"+url.PathEscape(id), nil, nil)
}

// Report downloads a CSV report. The caller closes the reader.
func (c *Client) Report(ctx context.Context, reportType string, filters map[string]string) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("type", reportType)
	for k, v := range filters {
		q.Set(k, v)
	}
	resp, err := c.do(ctx, http.MethodGet, "/v1/reports?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do sends the request, retrying transport errors and 5xx responses with
// backoff. Any other non-2xx status is returned as *APIError.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff.Next(attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("daemon unreachable: %w", err)
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&payload) == nil {
			apiErr.Code = payload.Error
		}
		resp.Body.Close()
		if resp.StatusCode < 500 {
			return nil, apiErr
		}
		lastErr = apiErr
	}
	return nil, fmt.Errorf("max retries reached: %w", lastErr)
}
