// Package homeassistant is the thin HTTP client for the downstream Home
// Assistant REST API: request plumbing, bearer auth, and bounded timeouts.
// It does no entity modeling.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultTimeout bounds every downstream call so a slow Home Assistant
	// instance cannot hang a requesting connection.
	DefaultTimeout = 30 * time.Second

	// ProbeTimeout bounds the live credential validation at login time.
	ProbeTimeout = 10 * time.Second

	// maxResponseBytes caps downstream response bodies read into memory.
	maxResponseBytes = 8 << 20
)

// ErrUnavailable indicates the downstream service could not be reached in
// time. Retryable: surfaced to callers as temporarily unavailable, never as
// a hung connection.
var ErrUnavailable = errors.New("home assistant temporarily unavailable")

// StatusError is a non-2xx response from Home Assistant.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("home assistant API error: %s", e.Status)
}

// Client issues requests against a Home Assistant instance. Credentials are
// supplied per call: which host/token pair applies depends on the resolved
// admin session, not on the client.
type Client struct {
	base    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the base transport used beneath the bearer-token layer.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.base = hc
		}
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Home Assistant client.
func New(opts ...Option) *Client {
	c := &Client{
		base:    &http.Client{},
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// httpClient builds a bearer-authenticated client for one host/token pair.
func (c *Client) httpClient(ctx context.Context, token string, timeout time.Duration) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	hc := oauth2.NewClient(ctx, src)
	hc.Timeout = timeout
	return hc
}

// Ping performs the live validation probe used at login: a GET against the
// API root with a short timeout. Any failure means the supplied credentials
// cannot be trusted and no admin session may be created from them.
func (c *Client) Ping(ctx context.Context, host, token string) error {
	_, err := c.do(ctx, host, token, http.MethodGet, "/api/", nil, ProbeTimeout)
	return err
}

// Get issues a GET against an API path (for example "/api/states").
func (c *Client) Get(ctx context.Context, host, token, path string) ([]byte, error) {
	return c.do(ctx, host, token, http.MethodGet, path, nil, c.timeout)
}

// Post issues a POST with a JSON body against an API path.
func (c *Client) Post(ctx context.Context, host, token, path string, body any) ([]byte, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	return c.do(ctx, host, token, http.MethodPost, path, payload, c.timeout)
}

func (c *Client) do(ctx context.Context, host, token, method, path string, body io.Reader, timeout time.Duration) ([]byte, error) {
	if host == "" || token == "" {
		return nil, errors.New("home assistant connection not configured")
	}

	url := strings.TrimRight(host, "/") + path

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient(ctx, token, timeout).Do(req)
	if err != nil {
		c.logger.Debug("Downstream request failed", "method", method, "path", path, "error", err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: request timed out after %s", ErrUnavailable, timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return data, nil
}
