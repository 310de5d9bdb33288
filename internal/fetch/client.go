// Package fetch is the network layer crawl workers use to pull listing pages
// and JSON endpoints. Failures are classified for the retry controller.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pricewatch/pricewatch/internal/retry"
)

const maxBodyBytes = 8 << 20

// ErrBodyTooLarge is returned when a response exceeds the read limit.
var ErrBodyTooLarge = errors.New("fetch: response body too large")

// DefaultUserAgents rotates between common desktop browsers.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

// Options configures a Client.
type Options struct {
	Timeout     time.Duration
	Concurrency int
	UserAgents  []string
	Policy      retry.Policy
	Logger      *slog.Logger
	HTTPClient  *http.Client
}

// Client performs GET requests with bounded concurrency and retries.
type Client struct {
	http   *http.Client
	sem    *semaphore.Weighted
	agents []string
	next   atomic.Uint64
	policy retry.Policy
	logger *slog.Logger
}

// New builds a Client from opts.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 4
	}
	agents := opts.UserAgents
	if len(agents) == 0 {
		agents = DefaultUserAgents
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   hc,
		sem:    semaphore.NewWeighted(int64(limit)),
		agents: agents,
		policy: opts.Policy,
		logger: logger,
	}
}

// Get fetches url and returns the body. Retryable statuses, timeouts and
// connection resets are retried under the client's policy; other 4xx
// responses fail immediately.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		b, err := c.once(ctx, url)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: get %s: %w", url, err)
	}
	return body, nil
}

// GetJSON fetches url and decodes the body into dest. Decode failures are
// permanent.
func (c *Client) GetJSON(ctx context.Context, url string, dest any) error {
	body, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return retry.Permanent(fmt.Errorf("fetch: decode %s: %w", url, err))
	}
	return nil
}

func (c *Client) once(ctx context.Context, url string) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, retry.Permanent(err)
	}
	defer c.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	c.logger.Debug("fetched",
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		status := &retry.StatusError{Code: resp.StatusCode, URL: url}
		if retry.RetryableStatus(resp.StatusCode) {
			return nil, retry.Transient(status)
		}
		return nil, retry.Permanent(status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, retry.Permanent(ErrBodyTooLarge)
	}
	return body, nil
}

func (c *Client) userAgent() string {
	n := c.next.Add(1) - 1
	return strings.TrimSpace(c.agents[n%uint64(len(c.agents))])
}
