package tools

import (
	"context"

	"github.com/nugget/qlik-mcp/internal/qlik"
)

type contextKey string

const tokenKey contextKey = "qlik_token"

// WithToken attaches the tenant credential for the current request.
func WithToken(ctx context.Context, tok string) context.Context {
	return context.WithValue(ctx, tokenKey, tok)
}

// TokenFromContext returns the request credential, or "" if none is set.
func TokenFromContext(ctx context.Context) string {
	if tok, ok := ctx.Value(tokenKey).(string); ok {
		return tok
	}
	return ""
}

func contextToken(ctx context.Context) qlik.TokenFunc {
	return func() string { return TokenFromContext(ctx) }
}
