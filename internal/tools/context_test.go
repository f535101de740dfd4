package tools

import (
	"context"
	"testing"
)

func TestTokenFromContext(t *testing.T) {
	if got := TokenFromContext(context.Background()); got != "" {
		t.Errorf("TokenFromContext(empty) = %q, want empty", got)
	}
	ctx := WithToken(context.Background(), "abc")
	if got := TokenFromContext(ctx); got != "abc" {
		t.Errorf("TokenFromContext = %q, want %q", got, "abc")
	}
	if got := contextToken(ctx)(); got != "abc" {
		t.Errorf("contextToken() = %q, want %q", got, "abc")
	}
}
