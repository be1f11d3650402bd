package backoff

import (
	"errors"
	"fmt"
	"time"
)

// Transport-level error codes carried on Error.Code. Connectors translate
// their platform failures into these instead of free-text messages.
const (
	CodeConnReset   = "ECONNRESET"
	CodeTimeout     = "ETIMEDOUT"
	CodeNotFound    = "ENOTFOUND"
	CodeConnRefused = "ECONNREFUSED"
	CodeThrottled   = "THROTTLED"
)

// Error is the structured error connectors and subscribers return. It is the
// single source of truth for retry decisions: an explicit Retryable flag
// wins, then status code and transport code classification.
type Error struct {
	Err               error
	Message           string
	Code              string
	Retryable         *bool
	RetryAfterSeconds *int
	StatusCode        int
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewStatusError builds an Error from an upstream HTTP status.
func NewStatusError(statusCode int, message string) *Error {
	return &Error{StatusCode: statusCode, Message: message}
}

// NewCodeError builds an Error from a transport-level code.
func NewCodeError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var retryableCodes = map[string]bool{
	CodeConnReset:   true,
	CodeTimeout:     true,
	CodeNotFound:    true,
	CodeConnRefused: true,
	CodeThrottled:   true,
}

// IsRetryable classifies an error as a transient failure worth retrying.
// An explicit Retryable flag wins; otherwise 429, the transport codes above,
// and any 5xx status are retryable. All other 4xx and unclassified errors
// are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}

	if apiErr.Retryable != nil {
		return *apiErr.Retryable
	}

	if apiErr.StatusCode == 429 {
		return true
	}
	if retryableCodes[apiErr.Code] {
		return true
	}
	if apiErr.StatusCode >= 500 && apiErr.StatusCode < 600 {
		return true
	}

	return false
}

// CodeOf returns the transport code for a classified error, a synthetic
// HTTP_<status> code for status-only errors, and "" for plain errors. Stored
// alongside failures so later classification never parses message text.
func CodeOf(err error) string {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return ""
	}
	if apiErr.Code != "" {
		return apiErr.Code
	}
	if apiErr.StatusCode > 0 {
		return fmt.Sprintf("HTTP_%d", apiErr.StatusCode)
	}
	return ""
}

// IsRateLimited reports whether the error is a 429-class failure.
func IsRateLimited(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.Code == CodeThrottled
	}
	return false
}

// RateLimitDecision is the outcome of Handle429.
type RateLimitDecision struct {
	Delay time.Duration
	Retry bool
}

// Handle429 decides the wait for a rate-limited call. A parseable
// Retry-After value is honored verbatim; otherwise the rate-limit backoff
// profile keyed by the attempt number applies. Non-429 errors do not retry.
func Handle429(err error, attempt int) RateLimitDecision {
	if !IsRateLimited(err) {
		return RateLimitDecision{Retry: false, Delay: 0}
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.RetryAfterSeconds != nil && *apiErr.RetryAfterSeconds >= 0 {
		return RateLimitDecision{
			Retry: true,
			Delay: time.Duration(*apiErr.RetryAfterSeconds) * time.Second,
		}
	}

	return RateLimitDecision{
		Retry: true,
		Delay: Calculate(attempt, RateLimitOptions()),
	}
}
