package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrRateLimited is the sentinel matched by every rate limit error
var ErrRateLimited = errors.New("rate limited")

// RateLimitError marks a provider failure caused by a rate limit (HTTP 429)
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: rate limited: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Is reports ErrRateLimited as a match so callers can use errors.Is.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// IsRateLimit reports whether err signals that the provider is throttling us.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if code, ok := statusCode(err); ok {
		return code == http.StatusTooManyRequests
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests")
}

// IsRetryable reports whether err is a transient failure worth retrying:
// rate limits, server errors and dropped connections.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimit(err) {
		return true
	}
	if code, ok := statusCode(err); ok {
		return code >= 500
	}
	msg := err.Error()
	for _, marker := range []string{"ECONNRESET", "ETIMEDOUT", "connection reset", "EOF"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func statusCode(err error) (int, bool) {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode, true
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode, true
	}
	return 0, false
}

// classifyError wraps SDK errors carrying HTTP 429 into a RateLimitError.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) && anthropicErr.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Provider: "anthropic", RetryAfter: retryAfter(anthropicErr.Response), Err: err}
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) && openaiErr.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Provider: "openai", RetryAfter: retryAfter(openaiErr.Response), Err: err}
	}
	return err
}

func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v + "s"); err == nil {
		return d
	}
	return 0
}
