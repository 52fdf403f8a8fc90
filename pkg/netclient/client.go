// Package netclient is a resilient HTTP request layer: it deduplicates
// in-flight identical requests, caches successful responses with a TTL,
// retries transient failures with exponential backoff and jitter, and
// cooperates with per-domain rate limits reported by response headers.
// All failures surface as a single normalized *Error taxonomy.
package netclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultRetries    = 3
	defaultRetryDelay = time.Second
	defaultCacheTTL   = 5 * time.Minute

	maxBackoff = 30 * time.Second
	maxJitter  = time.Second
	// maxRateLimitWait caps how long a call will sleep for a domain's
	// rate-limit window to reset before failing instead.
	maxRateLimitWait = 60 * time.Second
)

// RequestConfig describes a single request. Zero-valued fields fall back
// to the client defaults; Retries < 0 disables retries entirely.
type RequestConfig struct {
	URL        string
	Method     string // defaults to GET
	Headers    map[string]string
	Body       any // []byte and string pass through, everything else is JSON-encoded
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Cache      bool
	CacheTTL   time.Duration
}

// Response is the outcome of a successful request.
type Response struct {
	Status      int
	Headers     http.Header
	Body        []byte
	ContentType string
	Success     bool
}

// Decode unmarshals a JSON response body into v.
func (r *Response) Decode(v any) error {
	if r.ContentType != "" && !strings.Contains(r.ContentType, "json") {
		return errors.New("netclient: response is not JSON: " + r.ContentType)
	}
	return json.Unmarshal(r.Body, v)
}

// Text returns the response body as a string.
func (r *Response) Text() string { return string(r.Body) }

// Options configure a Client. Zero values use the package defaults.
type Options struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Client issues HTTP requests with timeout, retry, caching, in-flight
// de-duplication and rate-limit cooperation. Construct one per process
// (or per backend) and inject it; it is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
	opts       Options
	group      singleflight.Group
	cache      *responseCache
	limits     *rateLimitTable
	now        func() time.Time
}

// New creates a Client with the given defaults.
func New(logger *zap.Logger, opts Options) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Retries == 0 {
		opts.Retries = defaultRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	now := time.Now
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		opts:       opts,
		cache:      newResponseCache(now),
		limits:     newRateLimitTable(now),
		now:        now,
	}
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Request(ctx, RequestConfig{URL: url})
}

// Post issues a POST request with a JSON-encoded body.
func (c *Client) Post(ctx context.Context, url string, body any) (*Response, error) {
	return c.Request(ctx, RequestConfig{URL: url, Method: http.MethodPost, Body: body})
}

// Put issues a PUT request with a JSON-encoded body.
func (c *Client) Put(ctx context.Context, url string, body any) (*Response, error) {
	return c.Request(ctx, RequestConfig{URL: url, Method: http.MethodPut, Body: body})
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, url string) (*Response, error) {
	return c.Request(ctx, RequestConfig{URL: url, Method: http.MethodDelete})
}

// Request performs a request. Identical requests (same method, URL and
// body) issued while one is in flight share a single physical call and
// all receive its result. Cacheable hits are served without any call.
func (c *Client) Request(ctx context.Context, cfg RequestConfig) (*Response, error) {
	if cfg.URL == "" {
		return nil, &Error{Code: CodeBadRequest, Message: "url is required"}
	}
	c.applyDefaults(&cfg)

	body, err := encodeBody(cfg.Body)
	if err != nil {
		return nil, &Error{Code: CodeBadRequest, Message: "encode body: " + err.Error()}
	}
	key := cfg.Method + "|" + cfg.URL + "|" + string(body)

	if cfg.Cache {
		if resp, ok := c.cache.get(key); ok {
			return resp, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		resp, err := c.do(ctx, cfg, body)
		if err != nil {
			return nil, err
		}
		if cfg.Cache {
			c.cache.set(key, resp, cfg.CacheTTL)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (c *Client) applyDefaults(cfg *RequestConfig) {
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = c.opts.Timeout
	}
	if cfg.Retries == 0 {
		cfg.Retries = c.opts.Retries
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = c.opts.RetryDelay
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = c.opts.CacheTTL
	}
}

func (c *Client) do(ctx context.Context, cfg RequestConfig, body []byte) (*Response, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, &Error{Code: CodeBadRequest, Message: "invalid url: " + err.Error()}
	}
	domain := u.Host

	var lastErr *Error
	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		if wait := c.limits.wait(domain); wait > 0 {
			if wait > maxRateLimitWait {
				return nil, newRateLimitedError(domain)
			}
			c.logger.Debug("waiting for rate limit reset",
				zap.String("domain", domain), zap.Duration("wait", wait))
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, &Error{Code: CodeNetworkError, Message: "request aborted: " + err.Error()}
			}
		}

		resp, aerr := c.attempt(ctx, cfg, body)
		if aerr == nil {
			c.limits.update(domain, resp.Headers)
			if resp.Success {
				return resp, nil
			}
			lastErr = newStatusError(resp.Status, resp.Body)
		} else {
			lastErr = aerr
		}

		if !lastErr.Retryable || attempt == cfg.Retries {
			return nil, lastErr
		}
		delay := backoff(cfg.RetryDelay, attempt)
		c.logger.Debug("retrying request",
			zap.String("url", cfg.URL),
			zap.Int("attempt", attempt+1),
			zap.String("code", string(lastErr.Code)),
			zap.Duration("delay", delay))
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// attempt performs one physical request with a hard per-attempt timeout.
func (c *Client) attempt(ctx context.Context, cfg RequestConfig, body []byte) (*Response, *Error) {
	actx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, cfg.Method, cfg.URL, rdr)
	if err != nil {
		return nil, &Error{Code: CodeBadRequest, Message: err.Error()}
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Caller-supplied abort, not a transient failure.
			return nil, &Error{Code: CodeNetworkError, Message: "request aborted: " + ctx.Err().Error()}
		}
		var ue *url.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ue) && ue.Timeout()) {
			return nil, newTimeoutError(cfg.URL)
		}
		return nil, newNetworkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newNetworkError(err)
	}
	return &Response{
		Status:      resp.StatusCode,
		Headers:     resp.Header,
		Body:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Success:     resp.StatusCode >= 200 && resp.StatusCode < 300,
	}, nil
}

// backoff computes min(base * 2^attempt + jitter(0..1s), 30s).
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	d += time.Duration(rand.Int63n(int64(maxJitter)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
