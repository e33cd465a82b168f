package northtracker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultBaseURL is the production North-Tracker API root.
	DefaultBaseURL = "https://apiv2.northtracker.com/api/v1"

	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	maxBackoff        = 30 * time.Second
)

// Client talks to the North-Tracker REST API. It owns the session token and
// the rate-limit counters; all methods are safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	headers    http.Header
	timeout    time.Duration
	maxRetries int
	logger     *slog.Logger
	tokens     TokenStore

	session session
	rate    rateLimitState
	logins  singleflight.Group

	sleep func(ctx context.Context, wait time.Duration) error
	now   func() time.Time
}

// NewClient creates a client for baseURL (DefaultBaseURL when empty).
func NewClient(baseURL string) *Client {
	return NewClientWithHTTPClient(baseURL, &http.Client{Timeout: defaultTimeout})
}

// NewClientWithHTTPClient creates a client on top of a caller-owned transport.
func NewClientWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = defaultTimeout
	}
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")
	headers.Set("Timezone", "Europe/Stockholm")
	headers.Set("X-Request-Type", "web")

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		headers:    headers,
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep:      sleepContext,
		now:        time.Now,
	}
}

// WithLogger sets the client logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithTokenStore lets sessions survive restarts.
func (c *Client) WithTokenStore(store TokenStore) *Client {
	c.tokens = store
	return c
}

// WithMaxRetries overrides how many times a retryable failure is retried.
func (c *Client) WithMaxRetries(retries int) *Client {
	if retries >= 0 {
		c.maxRetries = retries
	}
	return c
}

// RateLimit returns the counters from the most recent response.
func (c *Client) RateLimit() RateLimit {
	return c.rate.snapshot()
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/" + strings.TrimPrefix(path, "/")
}

func (c *Client) get(ctx context.Context, path string) (Response, error) {
	if err := c.EnsureAuthenticated(ctx); err != nil {
		return Response{}, err
	}
	return c.execute(ctx, request{method: http.MethodGet, path: path})
}

func (c *Client) post(ctx context.Context, path string, payload any) (Response, error) {
	if err := c.EnsureAuthenticated(ctx); err != nil {
		return Response{}, err
	}
	return c.execute(ctx, request{method: http.MethodPost, path: path, payload: payload})
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
