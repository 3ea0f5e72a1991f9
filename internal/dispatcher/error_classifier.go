package dispatcher

import (
	"context"
	"errors"
	"strings"

	"github.com/local/audiobooker/internal/ai"
)

// isTransientError checks if error is transient and worth retrying or failing over.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// refusals and empty completions may succeed on another model
	if ai.IsContentRefused(err) || errors.Is(err, ai.ErrEmptyResponse) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var rateLimitErr *ai.RateLimitError
	if errors.As(err, &rateLimitErr) || ai.IsRateLimited(err) {
		return true
	}
	var httpErr *ai.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || (httpErr.StatusCode >= 500 && httpErr.StatusCode < 600)
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "eof")
}

// isFatalError checks if error is fatal and should not be retried.
func isFatalError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var valErr *ai.ValidationError
	if errors.As(err, &valErr) {
		return true
	}
	var httpErr *ai.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "invalid request") ||
		strings.Contains(errStr, "bad request")
}

// isTimeoutError checks if error is specifically a timeout.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")
}

// classify returns the metrics label for a call outcome.
func classify(err error) string {
	switch {
	case err == nil:
		return "success"
	case isTimeoutError(err):
		return "timeout"
	case ai.IsRateLimited(err):
		return "rate_limited"
	case ai.IsContentRefused(err):
		return "content_refused"
	case isFatalError(err):
		return "fatal"
	case isTransientError(err):
		return "transient"
	}
	return "unknown"
}

// IsTransient reports whether err is worth retrying on the same endpoint.
func IsTransient(err error) bool {
	return isTransientError(err) && !isFatalError(err) && !ai.IsContentRefused(err)
}
