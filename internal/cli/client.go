package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/me/gocycle/pkg/model"
)

// Client talks to a running scheduler's REST API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a scheduler API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
		Logger:     logger,
	}
}

type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

// Get fetches path and decodes the response data into dest. List
// endpoints also return their pagination.
func (c *Client) Get(ctx context.Context, path string, dest any) (*model.Pagination, error) {
	env, err := c.do(ctx, http.MethodGet, path, nil, dest)
	if err != nil {
		return nil, err
	}
	return env.Pagination, nil
}

// Post sends body as JSON to path. dest may be nil.
func (c *Client) Post(ctx context.Context, path string, body, dest any) error {
	_, err := c.do(ctx, http.MethodPost, path, body, dest)
	return err
}

// do runs one request. An error envelope is returned as *model.APIError so
// callers can branch on its code.
func (c *Client) do(ctx context.Context, method, path string, body, dest any) (*envelope, error) {
	url := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		c.Logger.Debug("request body", "body", string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scheduler unreachable at %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.Logger.Debug("api call", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unexpected response (HTTP %d): %w", resp.StatusCode, err)
	}
	if env.Error != nil {
		return &env, env.Error
	}
	if dest != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return &env, nil
}
