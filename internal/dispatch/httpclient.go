// Package dispatch delivers triggered alerts to their targets: the local
// MQTT topic tree (through the persisted outbox), Home Assistant over HTTP,
// and the TTS announcement topic. All outbound HTTP goes through baseClient,
// which enforces circuit breaking and retry with backoff.
package dispatch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"saferelay/internal/types"
)

// httpRetryPolicy configures the retry behavior for outbound HTTP calls.
type httpRetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

func defaultHTTPRetryPolicy() httpRetryPolicy {
	return httpRetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// baseClient wraps an *http.Client and a circuit breaker. Retries cover 429
// and 5xx (respecting Retry-After); other statuses are returned to the
// caller unchanged.
type baseClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	policy  httpRetryPolicy
	sleepFn func(time.Duration)
}

func newBaseClient(httpClient *http.Client, breakerName string, policy httpRetryPolicy) *baseClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &baseClient{
		client:  httpClient,
		breaker: cb,
		policy:  policy,
		sleepFn: time.Sleep,
	}
}

// do executes the request. The caller owns the response body on success.
func (c *baseClient) do(req *http.Request) (*http.Response, error) {
	// Snapshot the body so it can be replayed on retries.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeTransientUpstream, "failed to buffer request body", err)
		}
		req.Body.Close()
	}

	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + c.policy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})

		if err == nil {
			return resp, nil
		}

		lastErr = err
		if resp != nil {
			if attempt < maxAttempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		if attempt < maxAttempts-1 {
			c.sleepFn(c.computeBackoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// computeBackoff respects Retry-After when present, otherwise exponential
// backoff with full jitter clamped to [MinWait, MaxWait].
func (c *baseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				wait := time.Duration(seconds) * time.Second
				if wait > c.policy.MaxWait {
					wait = c.policy.MaxWait
				}
				return wait
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.policy.MinWait
				}
				if wait > c.policy.MaxWait {
					wait = c.policy.MaxWait
				}
				return wait
			}
		}
	}

	base := float64(c.policy.MinWait) * math.Pow(2, float64(attempt))
	maxWait := float64(c.policy.MaxWait)
	if base > maxWait {
		base = maxWait
	}
	minWait := float64(c.policy.MinWait)
	if base <= minWait {
		return c.policy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

func (c *baseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeTransientUpstream, "circuit breaker is open", err)
	}
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(types.ErrCodeTransientUpstream, "upstream rate limit exceeded", err)
		case resp.StatusCode >= 500:
			return types.NewAppError(types.ErrCodeTransientUpstream,
				fmt.Sprintf("upstream returned %d after retries", resp.StatusCode), err)
		}
	}
	return types.NewAppError(types.ErrCodeTransientUpstream, "upstream request failed", err)
}
