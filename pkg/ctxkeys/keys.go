// Package ctxkeys defines typed context keys to avoid SA1029 lint warnings
// and prevent key collisions across packages.
package ctxkeys

import "context"

// Key is a typed context key to prevent collisions.
type Key string

// Auth context keys
const (
	KeyUserID     Key = "user_id"
	KeyEmail      Key = "email"
	KeyWalletAddr Key = "wallet_address"
	KeyAuthType   Key = "auth_type"
	KeyJWTToken   Key = "jwt_token"
)

// Request context keys
const (
	KeyRequestID Key = "request_id"
	KeyClientIP  Key = "client_ip"
)

// GetUserID extracts user_id from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyUserID).(string); ok {
		return v
	}
	return ""
}

// GetEmail extracts email from context.
func GetEmail(ctx context.Context) string {
	if v, ok := ctx.Value(KeyEmail).(string); ok {
		return v
	}
	return ""
}

// GetWalletAddress extracts wallet_address from context.
func GetWalletAddress(ctx context.Context) string {
	if v, ok := ctx.Value(KeyWalletAddr).(string); ok {
		return v
	}
	return ""
}

// GetRequestID extracts request_id from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyRequestID).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a copy of ctx carrying the user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, KeyUserID, userID)
}
