// Package apiclient issues authenticated JSON HTTP requests against the
// backend API with retry/backoff and a typed error taxonomy. The request
// plumbing (header filling, JSON decode via jsoniter) is adapted from
// TheRockettek-Sandwich-Producer's client/client.go, generalized from a
// Discord-only REST surface to an arbitrary JSON API.
package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/smarter-dev/smarterbot/internal/errs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RetryPolicy configures exponential backoff for transient failures.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy matches the values spec.md §6.4 documents as typical.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// delay returns the backoff delay for attempt n (0-based).
func (p RetryPolicy) delay(n int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(n))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Client is the HTTP transport shared by every service.
type Client struct {
	BaseURL string
	Token   string

	HTTP  *http.Client
	Retry RetryPolicy

	requestCount   uint64
	errorCount     uint64
	totalLatencyNs uint64
}

// NewClient builds a Client with a bounded connection pool, mirroring the
// teacher's NewClient defaults (single shared http.Client).
func NewClient(baseURL, token string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     10,
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Transport: transport},
		Retry:   DefaultRetryPolicy(),
	}
}

// Response is a decoded HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Decode unmarshals the response body with the same jsoniter instance used
// for requests.
func (r *Response) Decode(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Stats reports cumulative client counters (spec §4.1 "record per-client
// counters").
type Stats struct {
	RequestCount   uint64
	ErrorCount     uint64
	TotalLatencyNs uint64
}

func (c *Client) Stats() Stats {
	return Stats{
		RequestCount:   atomic.LoadUint64(&c.requestCount),
		ErrorCount:     atomic.LoadUint64(&c.errorCount),
		TotalLatencyNs: atomic.LoadUint64(&c.totalLatencyNs),
	}
}

func (c *Client) Get(ctx context.Context, path string, timeout time.Duration) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, timeout)
}

func (c *Client) Post(ctx context.Context, path string, body interface{}, timeout time.Duration) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, timeout)
}

func (c *Client) Put(ctx context.Context, path string, body interface{}, timeout time.Duration) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, body, timeout)
}

func (c *Client) Delete(ctx context.Context, path string, body interface{}, timeout time.Duration) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, body, timeout)
}

// HealthCheck reports whether the remote API is reachable by issuing a GET
// to its /health path with a 5-second timeout.
func (c *Client) HealthCheck(ctx context.Context) (models ServiceHealthShim, err error) {
	start := time.Now()
	_, err = c.Get(ctx, "/health", 5*time.Second)
	elapsed := time.Since(start)
	return ServiceHealthShim{Healthy: err == nil, ResponseTimeMs: float64(elapsed.Microseconds()) / 1000.0}, nil
}

// ServiceHealthShim avoids an import cycle with internal/models; base.go
// adapts it into a full models.ServiceHealth.
type ServiceHealthShim struct {
	Healthy        bool
	ResponseTimeMs float64
}

// Close releases transport resources.
func (c *Client) Close() error {
	c.HTTP.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, timeout time.Duration) (*Response, error) {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &errs.ValidationError{Message: fmt.Sprintf("failed to encode request body: %v", err)}
		}
		payload = bytes.NewReader(b)
	}

	var lastErr error
	for attempt := 0; attempt <= c.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.Retry.delay(attempt - 1)):
			}
		}

		resp, retriable, err := c.attempt(ctx, method, path, payload, timeout)
		atomic.AddUint64(&c.requestCount, 1)
		if err == nil {
			return resp, nil
		}

		atomic.AddUint64(&c.errorCount, 1)
		lastErr = err
		if !retriable {
			return nil, err
		}
		if body != nil {
			b, _ := json.Marshal(body)
			payload = bytes.NewReader(b)
		}
	}
	return nil, lastErr
}

// attempt issues a single HTTP round trip and classifies the outcome,
// returning (response, retriable, error).
func (c *Client) attempt(ctx context.Context, method, path string, body io.Reader, timeout time.Duration) (*Response, bool, error) {
	start := time.Now()

	reqCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, false, &errs.NetworkError{Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.HTTP.Do(req)
	atomic.AddUint64(&c.totalLatencyNs, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		return nil, true, &errs.NetworkError{Cause: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, true, &errs.NetworkError{Cause: err}
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized:
		return nil, false, &errs.AuthenticationError{}
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, true, &errs.RateLimitError{RetryAfter: parseRetryAfter(res.Header.Get("Retry-After"))}
	case res.StatusCode >= 500:
		return nil, true, &errs.APIError{StatusCode: res.StatusCode, Body: string(raw)}
	case res.StatusCode >= 400:
		return &Response{StatusCode: res.StatusCode, Body: raw}, false, &errs.APIError{StatusCode: res.StatusCode, Body: string(raw)}
	default:
		return &Response{StatusCode: res.StatusCode, Body: raw}, false, nil
	}
}

func parseRetryAfter(h string) int {
	if h == "" {
		return 0
	}
	var n int
	_, err := fmt.Sscanf(h, "%d", &n)
	if err != nil {
		return 0
	}
	return n
}
