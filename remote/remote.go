// Package remote is the boundary to the hosted backend. The engine treats
// every backend call as "a function that may succeed, fail because the
// network is down, or fail because the server said no" — the two failure
// classes drive completely different behavior upstream, so they are
// distinguished here and nowhere else.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTimeout is the default timeout for backend requests.
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrUnreachable marks transient network failures: timeouts, refused
	// connections, DNS errors, gateway errors. Retry-eligible.
	ErrUnreachable = errors.New("remote: unreachable")

	// ErrRejected marks server rejections: validation errors, conflicts,
	// permission denials. NOT retry-eligible under the same payload.
	ErrRejected = errors.New("remote: rejected")

	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("remote: not found")
)

// IsTransient reports whether err should be retried on the next
// reachability edge.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// classifyStatus maps a response status to the error taxonomy.
// Gateway statuses count as unreachable: the backend itself never answered.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return fmt.Errorf("%w: status %d", ErrUnreachable, status)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, status, strings.TrimSpace(string(body)))
	}
}

// Client performs JSON requests against the backend API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithBearerToken sets the bearer token for backend authentication.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetJSON fetches path and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// PostJSON sends body to path and decodes the response into out (out may be
// nil when the response body is irrelevant).
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// PutJSON upserts body at path and decodes the response into out.
func (c *Client) PutJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport-level failure: the backend never answered.
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUnreachable, err)
	}

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
