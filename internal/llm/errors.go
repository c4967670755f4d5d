package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a model-client failure for retry decisions.
type Kind int8

const (
	// KindRateLimited: 429 or quota exhaustion; retry with longer backoff.
	KindRateLimited Kind = iota
	// KindTimeout: the per-attempt deadline expired; retry.
	KindTimeout
	// KindUpstream: provider 5xx or network failure; retry.
	KindUpstream
	// KindInvalid: 4xx-equivalent request problem; never retry.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindUpstream:
		return "upstream"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is a classified model-client error.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("llm %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("llm %s: status %d", e.Kind, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the engine should attempt the call again.
func (e *Error) Retryable() bool { return e.Kind != KindInvalid }

// KindOf returns the classified kind, defaulting to KindUpstream for errors
// that never went through Classify.
func KindOf(err error) Kind {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return KindUpstream
}

// IsKind reports whether err is a classified error of the given kind.
func IsKind(err error, kind Kind) bool {
	var lerr *Error
	return errors.As(err, &lerr) && lerr.Kind == kind
}

// Classify maps a raw SDK or transport error to a classified Error. Provider
// SDKs surface status codes inside error strings, so classification falls
// back to text heuristics after the context checks.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err, Message: "request deadline exceeded"}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Err: err, Message: "request canceled"}
	}

	errStr := err.Error()
	switch status := extractStatusCode(errStr); status {
	case 400, 401, 403, 404, 413, 422:
		return &Error{Kind: KindInvalid, StatusCode: status, Err: err, Message: "request rejected by provider"}
	case 429:
		return &Error{Kind: KindRateLimited, StatusCode: status, Err: err, Message: "rate limit exceeded"}
	case 500, 502, 503, 504, 529:
		return &Error{Kind: KindUpstream, StatusCode: status, Err: err, Message: "provider server error"}
	}

	lowered := strings.ToLower(errStr)
	switch {
	case strings.Contains(lowered, "rate") || strings.Contains(lowered, "quota"):
		return &Error{Kind: KindRateLimited, Err: err, Message: "rate limiting detected"}
	case strings.Contains(lowered, "timeout") || strings.Contains(lowered, "deadline"):
		return &Error{Kind: KindTimeout, Err: err, Message: "request timed out"}
	case strings.Contains(lowered, "connection") || strings.Contains(lowered, "network") ||
		strings.Contains(lowered, "eof") || strings.Contains(lowered, "reset"):
		return &Error{Kind: KindUpstream, Err: err, Message: "network error"}
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unauthorized") ||
		strings.Contains(lowered, "api key"):
		return &Error{Kind: KindInvalid, Err: err, Message: "request rejected by provider"}
	}
	return &Error{Kind: KindUpstream, Err: err, Message: "unclassified provider error"}
}

var statusPrefixes = []string{"status code: ", "status: ", "http "}

func extractStatusCode(errStr string) int {
	lowered := strings.ToLower(errStr)
	for _, pattern := range statusPrefixes {
		idx := strings.Index(lowered, pattern)
		if idx == -1 {
			continue
		}
		rest := lowered[idx+len(pattern):]
		if len(rest) < 3 {
			continue
		}
		var status int
		if _, err := fmt.Sscanf(rest[:3], "%d", &status); err == nil && status >= 100 && status < 600 {
			return status
		}
	}
	return 0
}
