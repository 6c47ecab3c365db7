package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nclav-io/nclav/pkg/metrics"
)

// RateLimitedClient wraps an *http.Client with a token-bucket limiter so
// cloud drivers stay under provider API quotas regardless of how many
// enclaves are being reconciled concurrently.
type RateLimitedClient struct {
	cloud   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewRateLimitedClient returns a client allowing requestsPerSecond steady
// state with the given burst, shared across every call a driver makes.
// cloud labels the driver_call_* metrics this client records.
func NewRateLimitedClient(cloud string, requestsPerSecond float64, burst int) *RateLimitedClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	if burst <= 0 {
		burst = int(requestsPerSecond * 2)
	}
	return &RateLimitedClient{
		cloud:   cloud,
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// Do waits for rate-limiter admission (respecting the request's context
// deadline) before delegating to the underlying http.Client, recording the
// call's duration and outcome against the driver_call_* metrics.
func (c *RateLimitedClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	timer := metrics.NewTimer()
	resp, err := c.client.Do(req)
	timer.ObserveDurationVec(metrics.DriverCallDuration, c.cloud, req.Method)

	outcome := "success"
	if err != nil {
		outcome = "error"
	} else if resp.StatusCode >= 400 {
		outcome = "http_error"
	}
	metrics.DriverCallsTotal.WithLabelValues(c.cloud, req.Method, outcome).Inc()

	return resp, err
}

// JSON issues a JSON request with the given method and bearer token,
// decoding the response body into a map for callers to pick fields out of
// with gjson-style indexing. A nil body omits the request body entirely.
func (c *RateLimitedClient) JSON(ctx context.Context, method, url, bearer string, body any) (map[string]any, *http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, fmt.Errorf("read response body: %w", err)
	}
	if len(raw) == 0 {
		return map[string]any{}, resp, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, resp, fmt.Errorf("decode response body: %w", err)
	}
	return decoded, resp, nil
}

// JSONHeaders behaves like JSON but sends no bearer token and instead
// attaches the given extra headers, for providers (IMDS) that authenticate
// a token request by header rather than by bearer.
func (c *RateLimitedClient) JSONHeaders(ctx context.Context, method, url string, body any, headers map[string]string) (map[string]any, *http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, fmt.Errorf("read response body: %w", err)
	}
	if len(raw) == 0 {
		return map[string]any{}, resp, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, resp, fmt.Errorf("decode response body: %w", err)
	}
	return decoded, resp, nil
}

// Form POSTs a URL-encoded form body, used for OAuth2 token endpoints that
// don't accept JSON.
func (c *RateLimitedClient) Form(ctx context.Context, url string, values neturl.Values) (map[string]any, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, fmt.Errorf("read response body: %w", err)
	}
	if len(raw) == 0 {
		return map[string]any{}, resp, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, resp, fmt.Errorf("decode response body: %w", err)
	}
	return decoded, resp, nil
}

// jsonString reads a string field out of a decoded JSON map, returning the
// fallback when the key is absent or not a string.
func jsonString(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// jsonBool reads a bool field out of a decoded JSON map.
func jsonBool(m map[string]any, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}
