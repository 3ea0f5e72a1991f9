package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Purpose labels what a completion request is for; used in logs and metrics.
type Purpose string

const (
	PurposeMetadata Purpose = "metadata"
	PurposeSummary  Purpose = "summary"
	PurposeChunk    Purpose = "chunk"
	PurposeCondense Purpose = "condense"
	PurposeHealth   Purpose = "health"
)

// Request is a single text completion request.
type Request struct {
	BookID       string
	Chapter      int
	Purpose      Purpose
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
	// JSON asks providers that support it to constrain output to a JSON object.
	JSON    bool
	Timeout time.Duration
}

// Response is the raw completion text plus token accounting.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
	Provider  string
	Model     string
}

// Client interface for LLM providers.
type Client interface {
	Name() string
	Do(ctx context.Context, req Request) (Response, error)
}

var (
	ErrRateLimited    = errors.New("rate_limited")
	ErrContentRefused = errors.New("content_refused")
	ErrEmptyResponse  = errors.New("empty_response")
	ErrMissingAPIKey  = errors.New("missing_api_key")
)

func IsRateLimited(err error) bool    { return errors.Is(err, ErrRateLimited) }
func IsContentRefused(err error) bool { return errors.Is(err, ErrContentRefused) }

// RateLimitError represents a provider-side throttle.
type RateLimitError struct {
	Provider string
	Model    string
	Reason   string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit: %s/%s - %s", e.Provider, e.Model, e.Reason)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// HTTPError represents an HTTP status error from a provider.
type HTTPError struct {
	StatusCode int
	Body       string
	Provider   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.Provider, e.Body)
}

// ValidationError represents a request that can never succeed as sent.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

// statusError maps a provider HTTP status to a typed error.
func statusError(provider, model string, status int, body string) error {
	if len(body) > 512 {
		body = body[:512]
	}
	if status == 429 {
		return &RateLimitError{Provider: provider, Model: model, Reason: body}
	}
	return &HTTPError{StatusCode: status, Body: body, Provider: provider}
}
