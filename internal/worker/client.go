package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/me/gocycle/pkg/model"
)

// Client talks to the scheduler API on behalf of a worker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	workerID   string
	workerKey  string
}

// NewClient creates a new worker API client with connection pooling.
// If tlsCfg is nil, the default system TLS configuration is used.
func NewClient(baseURL string, tlsCfg *tls.Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     tlsCfg,
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// SetWorkerKey sets the shared secret sent as X-Worker-Key.
func (c *Client) SetWorkerKey(key string) {
	c.workerKey = key
}

// WorkerID returns the registered worker ID.
func (c *Client) WorkerID() string {
	return c.workerID
}

// Registration is what a worker tells the scheduler about itself.
type Registration struct {
	Name     string            `json:"name"`
	Hostname string            `json:"hostname"`
	Pools    []string          `json:"pools"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Register registers the worker and stores the worker ID.
func (c *Client) Register(ctx context.Context, reg Registration) (*model.Worker, error) {
	var worker model.Worker
	if err := c.call(ctx, http.MethodPost, "/api/v1/workers/", reg, &worker); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	c.workerID = worker.ID
	return &worker, nil
}

// Heartbeat updates last_seen and returns the jobs to kill.
func (c *Client) Heartbeat(ctx context.Context) (model.Heartbeat, error) {
	var hb model.Heartbeat
	if err := c.call(ctx, http.MethodPut, c.workerPath("/heartbeat"), nil, &hb); err != nil {
		return hb, fmt.Errorf("heartbeat: %w", err)
	}
	return hb, nil
}

// Checkout requests a job. Returns nil if no work is available (204).
func (c *Client) Checkout(ctx context.Context) (*model.WorkerJob, error) {
	var job model.WorkerJob
	found, err := c.do(ctx, http.MethodGet, c.workerPath("/work"), nil, &job)
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &job, nil
}

// Report sends a job state change.
func (c *Client) Report(ctx context.Context, handle string, report model.WorkerReport) error {
	if err := c.call(ctx, http.MethodPut, c.workerPath("/jobs/"+url.PathEscape(handle)), report, nil); err != nil {
		return fmt.Errorf("report %s: %w", handle, err)
	}
	return nil
}

// Deregister removes the worker from the scheduler.
func (c *Client) Deregister(ctx context.Context) error {
	if err := c.call(ctx, http.MethodDelete, c.workerPath(""), nil, nil); err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	return nil
}

func (c *Client) workerPath(suffix string) string {
	return "/api/v1/workers/" + url.PathEscape(c.workerID) + suffix
}

func (c *Client) call(ctx context.Context, method, path string, body, dest any) error {
	_, err := c.do(ctx, method, path, body, dest)
	return err
}

// do executes a request and decodes the envelope data into dest. It
// reports false for a 204 response. Error envelopes come back as
// *model.APIError.
func (c *Client) do(ctx context.Context, method, path string, body, dest any) (bool, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.workerKey != "" {
		req.Header.Set("X-Worker-Key", c.workerKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return false, fmt.Errorf("HTTP %d: decode response: %w", resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return false, envelope.Error
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if dest != nil {
		if err := json.Unmarshal(envelope.Data, dest); err != nil {
			return false, fmt.Errorf("decode data: %w", err)
		}
	}
	return true, nil
}

// isNotFound reports whether err is a NOT_FOUND answer, which a worker
// gets once the scheduler has forgotten it.
func isNotFound(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == model.ErrNotFound
}

// isRejected reports whether the scheduler answered with an error envelope,
// as opposed to being unreachable.
func isRejected(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr)
}
