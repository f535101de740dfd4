package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// DefaultHeader carries the gateway token when none is configured.
const DefaultHeader = "X-Gateway-Token"

type subjectKey struct{}

// WithSubject returns a context carrying the verified token subject.
func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, subjectKey{}, sub)
}

// SubjectFromContext returns the verified subject, or "" if the request
// was not authenticated.
func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}

// RejectFunc writes the response for a request that failed verification.
type RejectFunc func(w http.ResponseWriter, r *http.Request, reason string)

// ExtractToken reads the token from header, accepting an optional
// "Bearer " prefix.
func ExtractToken(r *http.Request, header string) string {
	if header == "" {
		header = DefaultHeader
	}
	v := strings.TrimSpace(r.Header.Get(header))
	if len(v) >= 7 && strings.EqualFold(v[:7], "Bearer ") {
		v = strings.TrimSpace(v[7:])
	}
	return v
}

// Middleware rejects requests whose gateway token is missing or fails
// verification. A nil verifier disables the check.
func Middleware(verifier TokenVerifier, header string, reject RejectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractToken(r, header)
			if token == "" {
				reject(w, r, "missing gateway token")
				return
			}
			sub, err := verifier.Verify(token)
			if err != nil {
				reason := "invalid gateway token"
				if errors.Is(err, ErrExpiredToken) {
					reason = "gateway token expired"
				}
				reject(w, r, reason)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), sub)))
		})
	}
}
