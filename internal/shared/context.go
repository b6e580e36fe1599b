package shared

import "context"

type userIDContextKey struct{}

// ContextWithUserID stores the authenticated principal's user ID in context.
// Authentication itself happens upstream; this package only carries the
// result to the authorization layer.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext extracts the principal's user ID, empty when anonymous.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDContextKey{}).(string)
	return id
}
