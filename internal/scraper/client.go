package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultAttempts  = 3
	defaultBaseDelay = time.Second
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// Options configures one adapter instance.
type Options struct {
	Cookie   string
	Password string
	// BaseURL overrides the platform's public address.
	BaseURL     string
	UserAgent   string
	Timeout     time.Duration
	MaxAttempts int
	// BaseDelay is the first retry backoff; it doubles on every further attempt.
	BaseDelay time.Duration
	Limiter   *RateLimiter
	Problems  ProblemIndex
	Cache     Cache
}

// Cache is the subset of a key/value store adapters use for session-scoped lookups.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Client wraps net/http with the rate limiter and bounded retries every adapter relies on.
type Client struct {
	platform    string
	http        *http.Client
	limiter     *RateLimiter
	maxAttempts int
	baseDelay   time.Duration
	header      http.Header
}

func NewClient(platform string, opts Options) *Client {
	jar, _ := cookiejar.New(nil)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	delay := opts.BaseDelay
	if delay <= 0 {
		delay = defaultBaseDelay
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(0)
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	h := http.Header{}
	h.Set("User-Agent", ua)
	return &Client{
		platform:    platform,
		http:        &http.Client{Timeout: timeout, Jar: jar},
		limiter:     limiter,
		maxAttempts: attempts,
		baseDelay:   delay,
		header:      h,
	}
}

// SetHeader sets a header sent with every request.
func (c *Client) SetHeader(key, value string) {
	c.header.Set(key, value)
}

// HTTPClient exposes the underlying client so HTML collectors can share its cookie jar.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

func (c *Client) Limiter() *RateLimiter {
	return c.limiter
}

func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, rawURL, nil, "")
}

func (c *Client) PostJSON(ctx context.Context, rawURL string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, http.MethodPost, rawURL, body, "application/json")
}

func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) (*Response, error) {
	return c.Do(ctx, http.MethodPost, rawURL, []byte(form.Encode()), "application/x-www-form-urlencoded")
}

// Do performs a request through Retry.
func (c *Client) Do(ctx context.Context, method, rawURL string, body []byte, contentType string) (*Response, error) {
	var resp *Response
	err := c.Retry(ctx, method+" "+rawURL, func(ctx context.Context) error {
		r, err := c.once(ctx, method, rawURL, body, contentType)
		resp = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Retry runs fn up to the attempt cap, waiting on the rate limiter before every
// attempt and doubling the backoff between attempts. Non-temporary HTTP statuses
// and credential errors are returned immediately.
func (c *Client) Retry(ctx context.Context, desc string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Temporary() {
			return err
		}
		if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrLoginFailed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		zap.S().Warnf("%s: request failed (attempt %d/%d): %v", c.platform, attempt+1, c.maxAttempts, err)
		if attempt < c.maxAttempts-1 {
			select {
			case <-time.After(c.baseDelay << attempt):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%s: %s failed after %d attempts: %w", c.platform, desc, c.maxAttempts, lastErr)
}

func (c *Client) once(ctx context.Context, method, rawURL string, body []byte, contentType string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: rawURL}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// JoinURL appends path to base without doubling slashes.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// StatusCode extracts the HTTP status from an error chain, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
