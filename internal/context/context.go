package context

import (
	"context"
	"time"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// IdentityKey is the context key for the authenticated Identity
	IdentityKey ContextKey = "identity"
	// AccessTokenKey is the context key for the raw bearer token of the request
	AccessTokenKey ContextKey = "access_token"
)

// Identity is the authenticated principal attached to a request.
// It is produced by token verification and passed by value so downstream
// handlers cannot mutate what the middleware established.
type Identity struct {
	AccountID string
	Role      string
	SessionID string
	TokenID   string
	ExpiresAt time.Time
}

// IsZero reports whether the identity carries no account.
func (i Identity) IsZero() bool {
	return i.AccountID == ""
}

// WithIdentity returns a copy of ctx carrying the identity
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// WithAccessToken returns a copy of ctx carrying the raw access token
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, AccessTokenKey, token)
}

// ExtractIdentity extracts the Identity from the request context
func ExtractIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(Identity)
	if !ok || id.IsZero() {
		return Identity{}, false
	}
	return id, true
}

// ExtractUserID extracts the account ID from the request context
func ExtractUserID(ctx context.Context) (string, bool) {
	id, ok := ExtractIdentity(ctx)
	if !ok {
		return "", false
	}
	return id.AccountID, true
}

// ExtractAccessToken extracts the raw bearer token from the request context
func ExtractAccessToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(AccessTokenKey).(string)
	return token, ok && token != ""
}
