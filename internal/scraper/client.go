// Package scraper talks to a managed scraping API (ScrapingBee-style) that
// fetches and renders pages on our behalf.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://app.scrapingbee.com/api/v1"
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxBodyBytes   = 8 << 20
)

// ErrNotConfigured is returned by Fetch when no API key is set.
var ErrNotConfigured = errors.New("scraper api key not configured")

// Config configures a Client. Zero values fall back to defaults.
type Config struct {
	BaseURL string
	APIKey  string

	// Timeout bounds one upstream request, including the render wait.
	Timeout time.Duration

	// RPS and Burst pace requests per target host.
	RPS   float64
	Burst int

	// Transport allows injecting a custom HTTP transport (for tests).
	Transport http.RoundTripper
}

// FetchOptions tune one fetch.
type FetchOptions struct {
	// Wait lets the upstream browser settle before capturing the page.
	Wait time.Duration
	// Timeout overrides Config.Timeout when positive.
	Timeout time.Duration
	// NoJS skips JavaScript rendering.
	NoJS bool
}

// Page is a fetched document.
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// IsPDF reports whether the page body is a PDF document.
func (p Page) IsPDF() bool {
	if mt, _, err := mime.ParseMediaType(p.ContentType); err == nil && mt == "application/pdf" {
		return true
	}
	return len(p.Body) >= 5 && string(p.Body[:5]) == "%PDF-"
}

// StatusError is returned when the scraping API or the target site answered
// with a non-success status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

// Client is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: cfg.Transport},
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Fetch retrieves target through the scraping API. Requests to the same
// target host are paced; HTTP 429 answers are retried with exponential
// backoff.
func (c *Client) Fetch(ctx context.Context, target string, opts FetchOptions) (Page, error) {
	if c.cfg.APIKey == "" {
		return Page{}, ErrNotConfigured
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return Page{}, fmt.Errorf("invalid target url %q", target)
	}

	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return Page{}, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		page, err := c.doFetch(ctx, target, opts)
		if err == nil {
			return page, nil
		}
		if !isRateLimit(err) {
			return Page{}, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return Page{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return Page{}, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doFetch(ctx context.Context, target string, opts FetchOptions) (Page, error) {
	timeout := c.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	q := url.Values{}
	q.Set("api_key", c.cfg.APIKey)
	q.Set("url", target)
	q.Set("render_js", strconv.FormatBool(!opts.NoJS))
	if opts.Wait > 0 && !opts.NoJS {
		q.Set("wait", strconv.FormatInt(opts.Wait.Milliseconds(), 10))
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.BaseURL+"/?"+q.Encode(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetching %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Page{}, &rateLimitError{status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Page{}, fmt.Errorf("reading body of %s: %w", target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, &StatusError{StatusCode: resp.StatusCode, Body: snippet(body)}
	}

	// The API answers 200 for target errors it managed to render and reports
	// the target's own status in a header.
	status := resp.StatusCode
	if v := resp.Header.Get("Spb-Initial-Status-Code"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			status = n
		}
	}
	if status >= 400 {
		return Page{}, &StatusError{StatusCode: status}
	}

	return Page{
		URL:         target,
		StatusCode:  status,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.RPS), c.cfg.Burst)
		c.limiters[host] = l
	}
	return l
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}
