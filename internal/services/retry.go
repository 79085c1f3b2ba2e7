package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPStatusError reports a non-2xx response from a provider.
type HTTPStatusError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	provider := e.Provider
	if provider == "" {
		provider = "provider"
	}
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s request: http %d: %s", provider, e.StatusCode, body)
}

// RateLimited reports whether the response signalled provider rate limiting.
func (e *HTTPStatusError) RateLimited() bool {
	return e != nil && e.StatusCode == http.StatusTooManyRequests
}

// NewHTTPStatusError captures resp's status and Retry-After header. The body
// snippet is supplied by the caller, which owns reading and closing it.
func NewHTTPStatusError(provider string, resp *http.Response, body string) *HTTPStatusError {
	if resp == nil {
		return &HTTPStatusError{Provider: provider, Body: body}
	}
	retryAfter, _ := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	return &HTTPStatusError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       body,
		RetryAfter: retryAfter,
	}
}

// IsRetryable classifies dependency failures: request timeouts, 429 and 5xx
// responses, and network timeouts are retryable. Context cancellation and
// other 4xx responses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransient) {
		return true
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// url.Error wraps dial failures that do not report Timeout().
		return true
	}

	return false
}

// RetryAfterFromError extracts a provider-supplied Retry-After delay.
func RetryAfterFromError(err error) (time.Duration, bool) {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		return statusErr.RetryAfter, true
	}
	return 0, false
}

// ParseRetryAfter parses a Retry-After header value expressed either in
// seconds or as an HTTP date relative to now.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := when.Sub(now)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}

// BackoffDelay returns base doubled per prior attempt (attempt is 1-based),
// capped at maxDelay.
func BackoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if maxDelay > 0 && delay > maxDelay/2 {
			delay = maxDelay
			break
		}
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}
