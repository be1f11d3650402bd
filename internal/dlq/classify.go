package dlq

import "strings"

// Category buckets a target failure for reporting and retry decisions.
type Category string

const (
	CategoryRateLimit     Category = "RATE_LIMIT"
	CategoryTimeout       Category = "TIMEOUT"
	CategoryNotFound      Category = "NOT_FOUND"
	CategoryAuthorization Category = "AUTHORIZATION"
	CategoryNetwork       Category = "NETWORK"
	CategoryValidation    Category = "VALIDATION"
	CategoryServerError   Category = "SERVER_ERROR"
	CategoryUnknown       Category = "UNKNOWN"
)

// Retryable reports whether failures in this category can succeed on a
// retry. Missing resources, rejected payloads, and credential problems will
// fail identically every time.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNotFound, CategoryValidation, CategoryAuthorization:
		return false
	default:
		return true
	}
}

// Classify buckets a stored failure. The structured error code recorded at
// failure time decides when present; the message keyword scan only covers
// rows written before codes existed.
func Classify(errCode *string, errMsg string) Category {
	if errCode != nil && *errCode != "" {
		if cat, ok := classifyCode(*errCode); ok {
			return cat
		}
	}
	return classifyMessage(errMsg)
}

func classifyCode(code string) (Category, bool) {
	switch code {
	case "HTTP_429", "THROTTLED":
		return CategoryRateLimit, true
	case "ETIMEDOUT", "HTTP_408":
		return CategoryTimeout, true
	case "HTTP_404":
		return CategoryNotFound, true
	case "HTTP_401", "HTTP_403":
		return CategoryAuthorization, true
	case "ECONNRESET", "ECONNREFUSED", "ENOTFOUND":
		return CategoryNetwork, true
	case "HTTP_400", "HTTP_422", "NO_CONNECTOR":
		return CategoryValidation, true
	}
	if strings.HasPrefix(code, "HTTP_5") {
		return CategoryServerError, true
	}
	return CategoryUnknown, false
}

func classifyMessage(msg string) Category {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests") || strings.Contains(lower, "429"):
		return CategoryRateLimit
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return CategoryTimeout
	case strings.Contains(lower, "not found") || strings.Contains(lower, "404"):
		return CategoryNotFound
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden") || strings.Contains(lower, "401") || strings.Contains(lower, "403"):
		return CategoryAuthorization
	case strings.Contains(lower, "connection") || strings.Contains(lower, "network") || strings.Contains(lower, "dns"):
		return CategoryNetwork
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "validation") || strings.Contains(lower, "422"):
		return CategoryValidation
	case strings.Contains(lower, "server error") || strings.Contains(lower, "unavailable") || strings.Contains(lower, "502") || strings.Contains(lower, "503"):
		return CategoryServerError
	default:
		return CategoryUnknown
	}
}
