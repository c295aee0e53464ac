package auth

import (
	"context"
	"strings"
)

type accountContextKey struct{}

// ContextWithAccount stores the authenticated account id in the context.
func ContextWithAccount(ctx context.Context, accountID string) context.Context {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ctx
	}
	return context.WithValue(ctx, accountContextKey{}, accountID)
}

// AccountIDFromContext extracts the authenticated account id from context.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(accountContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
