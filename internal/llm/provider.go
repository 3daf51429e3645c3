// Package llm contains the generative provider clients and the weighted
// router that spreads traffic across them.
package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderName identifies one configured generative provider.
type ProviderName string

const (
	ProviderGroq      ProviderName = "GROQ"
	ProviderGemini    ProviderName = "GEMINI"
	ProviderCohere    ProviderName = "COHERE"
	ProviderCerebras  ProviderName = "CEREBRAS"
	ProviderSambanova ProviderName = "SAMBANOVA"
)

// ParseProviderName normalizes a configured provider string.
func ParseProviderName(s string) (ProviderName, error) {
	switch ProviderName(strings.ToUpper(strings.TrimSpace(s))) {
	case ProviderGroq:
		return ProviderGroq, nil
	case ProviderGemini:
		return ProviderGemini, nil
	case ProviderCohere:
		return ProviderCohere, nil
	case ProviderCerebras:
		return ProviderCerebras, nil
	case ProviderSambanova:
		return ProviderSambanova, nil
	default:
		return "", fmt.Errorf("unknown provider: %q", s)
	}
}

// ProviderError is the uniform failure type surfaced by every provider
// client. Retryable and RateLimited drive the router's failover decisions.
type ProviderError struct {
	Provider    ProviderName
	StatusCode  int
	Retryable   bool
	RateLimited bool
	Cause       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed (status %d, retryable=%v): %v",
		e.Provider, e.StatusCode, e.Retryable, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// newProviderError classifies an HTTP status into retry semantics:
// 429 retryable+rate-limited, 5xx retryable, everything else permanent.
func newProviderError(provider ProviderName, status int, cause error) *ProviderError {
	e := &ProviderError{Provider: provider, StatusCode: status, Cause: cause}
	switch {
	case status == 429:
		e.Retryable = true
		e.RateLimited = true
	case status >= 500:
		e.Retryable = true
	}
	return e
}

// IsNonRetryableContent reports statuses (410 Gone, 413 Payload Too Large)
// where retrying the same prompt anywhere against this provider is futile.
func IsNonRetryableContent(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == 410 || pe.StatusCode == 413
	}
	return false
}

// RouterFailure is raised when every configured provider was attempted (or
// retries ran out) without producing an answer.
type RouterFailure struct {
	AttemptedProviders []ProviderName
	LastError          error
}

func (e *RouterFailure) Error() string {
	names := make([]string, len(e.AttemptedProviders))
	for i, p := range e.AttemptedProviders {
		names[i] = string(p)
	}
	return fmt.Sprintf("all providers failed (attempted: %s): %v",
		strings.Join(names, ","), e.LastError)
}

func (e *RouterFailure) Unwrap() error { return e.LastError }

// AllRateLimited reports whether the final error was a rate limit, letting
// the API layer answer 503 instead of 502.
func (e *RouterFailure) AllRateLimited() bool {
	var pe *ProviderError
	if errors.As(e.LastError, &pe) {
		return pe.RateLimited
	}
	return false
}
