package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/egressd/internal/api"
	"github.com/busybox42/egressd/internal/queue"
	"github.com/busybox42/egressd/internal/readyqueue"
)

// Client talks to the egressd admin API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError is a non-2xx response from the admin API
type APIError struct {
	Status  int
	Message string `json:"error"`
	Details string `json:"details"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("API error: %s: %s (status code %d)", e.Message, e.Details, e.Status)
	}
	return fmt.Sprintf("API error: %s (status code %d)", e.Message, e.Status)
}

// NewClient creates a new API client. A base URL without a scheme is
// treated as http.
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Bounce installs a bounce entry
func (c *Client) Bounce(ctx context.Context, req api.EntryRequest) (*api.BounceView, error) {
	var out api.BounceView
	if err := c.do(ctx, http.MethodPost, "/api/admin/bounce", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Bounces lists the active bounce entries
func (c *Client) Bounces(ctx context.Context) ([]api.BounceView, error) {
	var out []api.BounceView
	err := c.do(ctx, http.MethodGet, "/api/admin/bounce", nil, &out)
	return out, err
}

// CancelBounce removes a bounce entry
func (c *Client) CancelBounce(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/api/admin/bounce/"+id.String(), nil, nil)
}

// Suspend installs a suspension
func (c *Client) Suspend(ctx context.Context, req api.EntryRequest) (*api.SuspendView, error) {
	var out api.SuspendView
	if err := c.do(ctx, http.MethodPost, "/api/admin/suspend", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Suspensions lists the active suspensions
func (c *Client) Suspensions(ctx context.Context) ([]api.SuspendView, error) {
	var out []api.SuspendView
	err := c.do(ctx, http.MethodGet, "/api/admin/suspend", nil, &out)
	return out, err
}

// Resume removes a suspension
func (c *Client) Resume(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/api/admin/suspend/"+id.String(), nil, nil)
}

// SuspendReady suspends one ready queue
func (c *Client) SuspendReady(ctx context.Context, req api.ReadySuspendRequest) (*readyqueue.Suspension, error) {
	var out readyqueue.Suspension
	if err := c.do(ctx, http.MethodPost, "/api/admin/suspend-ready-q", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadySuspensions lists the active ready queue suspensions
func (c *Client) ReadySuspensions(ctx context.Context) ([]readyqueue.Suspension, error) {
	var out []readyqueue.Suspension
	err := c.do(ctx, http.MethodGet, "/api/admin/suspend-ready-q", nil, &out)
	return out, err
}

// ResumeReady removes a ready queue suspension
func (c *Client) ResumeReady(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/api/admin/suspend-ready-q/"+id.String(), nil, nil)
}

// Rebind moves matching messages after applying the metadata in req
func (c *Client) Rebind(ctx context.Context, req queue.RebindRequest) (int, error) {
	var out api.RebindResponse
	if err := c.do(ctx, http.MethodPost, "/api/admin/rebind", req, &out); err != nil {
		return 0, err
	}
	return out.Rebound, nil
}

// Queues returns the scheduled and ready queue summaries
func (c *Client) Queues(ctx context.Context) (*api.QueuesResponse, error) {
	var out api.QueuesResponse
	if err := c.do(ctx, http.MethodGet, "/api/queues", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ThrottleCheck consumes from a throttle on the server
func (c *Client) ThrottleCheck(ctx context.Context, req api.ThrottleCheckRequest) (*api.ThrottleCheckResponse, error) {
	var out api.ThrottleCheckResponse
	if err := c.do(ctx, http.MethodPost, "/api/throttle/check", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs a request and decodes the response into result when set
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
