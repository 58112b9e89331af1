// Package httputil holds the HTTP helpers shared by the literature search clients.
package httputil

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// RetryBaseDelay is the first backoff step. Tests shrink it.
var RetryBaseDelay = 2 * time.Second

// MaxRetryDelay caps a single wait, including server supplied Retry-After values.
var MaxRetryDelay = 30 * time.Second

const defaultMaxRetries = 3

// Retryable reports whether a status is worth another attempt.
func Retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// DoWithRetry sends req and retries on 429 and transient 5xx responses, doubling
// the wait each time unless the server sends Retry-After. After maxRetries the
// last response is returned unchanged so the caller can report its status.
// A cancelled context during a wait returns ctx.Err().
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, maxRetries int) (*http.Response, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if client == nil {
		client = http.DefaultClient
	}

	delay := RetryBaseDelay
	for attempt := 0; ; attempt++ {
		r := req.Clone(ctx)
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r.Body = body
		}
		resp, err := client.Do(r)
		if err != nil {
			return nil, err
		}
		if !Retryable(resp.StatusCode) || attempt >= maxRetries {
			return resp, nil
		}

		wait := delay
		if ra := retryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			wait = ra
		}
		if wait > MaxRetryDelay {
			wait = MaxRetryDelay
		}

		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		slog.Debug("Retrying HTTP request", "url", req.URL.Redacted(), "status", resp.StatusCode, "attempt", attempt+1, "wait", wait)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
