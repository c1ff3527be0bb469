package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryDelay is the pause between retried posts. Overridable via
// SERVO_RETRY_DELAY_SEC.
const DefaultRetryDelay = 20 * time.Second

// quickFirstRetryDelay is used for the first retry of the initial WHATS_NEXT,
// so a servo started moments before its service comes up recovers fast.
const quickFirstRetryDelay = 1 * time.Second

// TokenFunc supplies the current bearer token. Returning "" disables auth for
// that request.
type TokenFunc func() string

// Config holds everything the client needs to reach the service.
type Config struct {
	Account    string
	AppID      string
	BaseURL    string // overrides the account/app-derived URL when set
	Token      TokenFunc
	RetryDelay time.Duration // 0 means DefaultRetryDelay
	UserAgent  string
}

// Client posts agent events to the optimization service.
type Client struct {
	cfg    Config
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	http *http.Client
}

// NewClient creates a client for the configured account and application.
func NewClient(cfg Config) *Client {
	url := cfg.BaseURL
	if url == "" {
		url = fmt.Sprintf("https://api.opsani.com/accounts/%s/applications/%s/servo",
			cfg.Account, cfg.AppID)
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Client{
		cfg:    cfg,
		url:    url,
		logger: slog.With("component", "api"),
		http:   &http.Client{Timeout: 90 * time.Second},
	}
}

// URL returns the resolved service endpoint.
func (c *Client) URL() string { return c.url }

// PostOptions control the retry behaviour of a single post.
type PostOptions struct {
	// Retries caps transport retries: nil retries forever, 0 disables
	// retries, a positive value bounds them.
	Retries *int

	// QuickFirstRetry shortens the first retry delay to one second.
	QuickFirstRetry bool
}

// Retries is a convenience for PostOptions.Retries.
func Retries(n int) *int { return &n }

// ServerUnavailableError reports that the service could not be reached after
// all permitted retries.
type ServerUnavailableError struct {
	Event string
	Cause error
}

func (e *ServerUnavailableError) Error() string {
	return fmt.Sprintf("service unavailable posting %s: %v", e.Event, e.Cause)
}

func (e *ServerUnavailableError) Unwrap() error { return e.Cause }

// transientError marks a failure worth retrying: connection trouble, a
// non-2xx status, or a body that is not JSON.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Post sends {event, param} to the service and returns the decoded JSON
// response. Retry policy per opts; the zero value retries forever.
func (c *Client) Post(ctx context.Context, event string, param any, opts PostOptions) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{"event": event, "param": param})
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", event, err)
	}

	var resp map[string]any
	attempt := 0
	operation := func() error {
		attempt++
		r, err := c.postOnce(ctx, event, body)
		if err != nil {
			c.logger.Warn("post failed", "event", event, "attempt", attempt, "error", err)
			return &transientError{err}
		}
		resp = r
		return nil
	}

	policy := c.retryPolicy(ctx, opts)
	if err := backoff.Retry(operation, policy); err != nil {
		var te *transientError
		if errors.As(err, &te) {
			return nil, &ServerUnavailableError{Event: event, Cause: te.err}
		}
		return nil, err
	}

	if event == EventDescription {
		c.resetSession()
	}
	return resp, nil
}

// retryPolicy builds the backoff schedule: constant delay, optionally with a
// shortened first interval, bounded only when Retries is set.
func (c *Client) retryPolicy(ctx context.Context, opts PostOptions) backoff.BackOffContext {
	var b backoff.BackOff = &constantDelay{
		delay:      c.cfg.RetryDelay,
		quickFirst: opts.QuickFirstRetry,
	}
	if opts.Retries != nil {
		b = backoff.WithMaxRetries(b, uint64(*opts.Retries))
	}
	return backoff.WithContext(b, ctx)
}

// constantDelay is a backoff.BackOff with a fixed interval and an optional
// one-second first retry.
type constantDelay struct {
	delay      time.Duration
	quickFirst bool
	fired      bool
}

func (b *constantDelay) NextBackOff() time.Duration {
	if b.quickFirst && !b.fired {
		b.fired = true
		return quickFirstRetryDelay
	}
	b.fired = true
	return b.delay
}

func (b *constantDelay) Reset() { b.fired = false }

func (c *Client) postOnce(ctx context.Context, event string, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Token != nil {
		if tok := c.cfg.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	c.mu.Lock()
	client := c.http
	c.mu.Unlock()

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting %s: %w", event, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("service returned %d: %s", resp.StatusCode, truncateForLog(data))
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return parsed, nil
}

// resetSession discards the connection pool so the next post opens a fresh
// connection. The service restarts its session after a DESCRIPTION and the
// old connection would be refused.
func (c *Client) resetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.http.CloseIdleConnections()
	c.http = &http.Client{Timeout: c.http.Timeout}
	c.logger.Debug("http session reset after description")
}

func truncateForLog(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
