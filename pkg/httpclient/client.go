// Copyright 2026 The Atelier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpclient is a retrying HTTP client for upstream generation
// backends. Rate-limit responses honor the server's Retry-After hint;
// transient server errors get a short fixed retry.
package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

// RetryStrategy classifies how a failed response should be retried.
type RetryStrategy int

const (
	NoRetry RetryStrategy = iota

	// ConservativeRetry allows at most two quick retries, for transient
	// server errors.
	ConservativeRetry

	// BackpressureRetry follows the server's Retry-After hint, falling
	// back to exponential delay. Used for rate-limit responses.
	BackpressureRetry
)

// RetryStrategyFunc maps a status code to a retry strategy.
type RetryStrategyFunc func(statusCode int) RetryStrategy

// Client wraps http.Client with status-aware retries.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	strategyFunc RetryStrategyFunc
	log          *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

func WithRetryStrategy(fn RetryStrategyFunc) Option {
	return func(c *Client) { c.strategyFunc = fn }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a retrying client with sensible defaults.
func New(opts ...Option) *Client {
	c := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		maxRetries:   5,
		baseDelay:    2 * time.Second,
		strategyFunc: DefaultRetryStrategy,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultRetryStrategy retries rate limits with backpressure and common
// transient server errors conservatively.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return BackpressureRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do executes the request, retrying per strategy. Requests with a body
// must set GetBody (http.NewRequest does this for common body types) so
// retries can replay it. The request context bounds the whole exchange
// including retry sleeps.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to replay request body: %w", err)
			}
			req.Body = body
		}

		resp, strategy, retryAfter, err := c.attempt(req)
		if err == nil || strategy == NoRetry {
			return resp, err
		}

		delay := c.delayFor(strategy, attempt, retryAfter)
		if delay <= 0 || attempt >= c.maxRetries {
			return resp, &RetryableError{
				StatusCode: statusOf(resp),
				Message:    fmt.Sprintf("retries exhausted after %d attempts", attempt+1),
				RetryAfter: c.delayFor(strategy, attempt+1, retryAfter),
				Err:        err,
			}
		}

		if resp != nil {
			resp.Body.Close()
		}
		c.log.Debug("retrying upstream request",
			"status", statusOf(resp), "delay", delay, "attempt", attempt+1)
		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	return nil, fmt.Errorf("retries exhausted")
}

func (c *Client) attempt(req *http.Request) (*http.Response, RetryStrategy, time.Duration, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NoRetry, 0, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, NoRetry, 0, nil
	}
	return resp, c.strategyFunc(resp.StatusCode), parseRetryAfter(resp.Header),
		fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (c *Client) delayFor(strategy RetryStrategy, attempt int, retryAfter time.Duration) time.Duration {
	switch strategy {
	case BackpressureRetry:
		if retryAfter > 0 {
			return retryAfter
		}
		exponential := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		return exponential + time.Duration(float64(exponential)*0.1)
	case ConservativeRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(2+attempt) * time.Second
	default:
		return 0
	}
}

// parseRetryAfter reads the Retry-After header, in either delta-seconds
// or HTTP-date form.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
