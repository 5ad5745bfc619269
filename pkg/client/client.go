package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultBaseURL matches the supervisor's default control API address.
const DefaultBaseURL = "http://127.0.0.1:8787/api"

// Client talks to a running supervisor's control API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// APIError is a non-2xx response from the control API.
type APIError struct {
	Status  int
	Message string
	Kind    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (%d, %s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// IsUnresponsive reports whether err is the API telling us the backend
// started but never passed its health check.
func IsUnresponsive(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusServiceUnavailable
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		// start waits for the health gate
		Timeout: 2 * time.Minute,
	}
}

// New creates a new control API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the supervisor is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Supervisor unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	ok := resp.StatusCode == http.StatusOK
	c.logger.Debug("Supervisor reachability check", "reachable", ok, "status", resp.StatusCode)
	return ok
}

// Status fetches the backend status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Start reclaims ports, launches the backend and waits for it to become ready.
// When the backend starts but fails its health check, the partial result is
// returned together with an error for which IsUnresponsive is true.
func (c *Client) Start(ctx context.Context) (*LaunchResult, error) {
	return c.launch(ctx, "/start")
}

// Restart stops and relaunches the backend.
func (c *Client) Restart(ctx context.Context) (*LaunchResult, error) {
	return c.launch(ctx, "/restart")
}

func (c *Client) launch(ctx context.Context, path string) (*LaunchResult, error) {
	c.logger.Debug("Launching backend", "path", path)
	var res LaunchResult
	err := c.do(ctx, http.MethodPost, path, nil, &res)
	if err != nil && !IsUnresponsive(err) {
		return nil, err
	}
	return &res, err
}

// Stop stops the backend. A positive wait bounds the graceful period.
func (c *Client) Stop(ctx context.Context, wait time.Duration) error {
	q := url.Values{}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	return c.do(ctx, http.MethodPost, "/stop", q, nil)
}

// Reclaim frees port, or every configured port when port is 0.
func (c *Client) Reclaim(ctx context.Context, port int) ([]ReclaimResult, error) {
	q := url.Values{}
	if port > 0 {
		q.Set("port", strconv.Itoa(port))
	}
	var out []ReclaimResult
	if err := c.do(ctx, http.MethodPost, "/reclaim", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Events returns up to limit of the most recent events, oldest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Event
	if err := c.do(ctx, http.MethodGet, "/events", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do performs the request and decodes the body into out. On a non-2xx status
// the body is still decoded into out when possible, and an *APIError is returned.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return c.handleErrorResponse(resp, out)
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response, out any) error {
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	var er ErrorResponse
	_ = json.Unmarshal(raw, &er)
	if out != nil {
		_ = json.Unmarshal(raw, out)
	}
	if er.Error == "" {
		er.Error = http.StatusText(resp.StatusCode)
	}
	c.logger.Error("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: er.Error, Kind: er.Kind}
}
