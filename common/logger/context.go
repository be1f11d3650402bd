package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, enabling zero-touch logging where business
// context (run_id, target_id, etc.) is automatically included in all log statements.
type LogFields struct {
	TenantID  *string // Tenant identifier
	ProjectID *int64  // Project ID
	RunID     *int64  // Price run ID
	TargetID  *int64  // Run target ID
	EventKey  *string // Ledger event idempotency key
	EventType *string // Event type (e.g., "pricechange.applied")
	MessageID *string // Redis stream message ID
	Component string  // Component name (OTel semantic convention style, e.g., "engine.outbox.dispatcher")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, updated LogFields) LogFields {
	result := existing

	if updated.TenantID != nil {
		result.TenantID = updated.TenantID
	}
	if updated.ProjectID != nil {
		result.ProjectID = updated.ProjectID
	}
	if updated.RunID != nil {
		result.RunID = updated.RunID
	}
	if updated.TargetID != nil {
		result.TargetID = updated.TargetID
	}
	if updated.EventKey != nil {
		result.EventKey = updated.EventKey
	}
	if updated.EventType != nil {
		result.EventType = updated.EventType
	}
	if updated.MessageID != nil {
		result.MessageID = updated.MessageID
	}
	if updated.Component != "" {
		result.Component = updated.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{RunID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like queries or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
