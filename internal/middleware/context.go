package middleware

import "context"

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// UserIDKey holds the authenticated user id
	UserIDKey ContextKey = "userID"
)

// GetUserID retrieves the authenticated user id from the request context
func GetUserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDKey).(string)
	return id, ok && id != ""
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
