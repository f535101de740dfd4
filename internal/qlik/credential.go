package qlik

import "strings"

// TokenFunc supplies the bearer credential on demand. It is called once
// per network attempt so a rotated token is picked up without restart.
// An empty or whitespace-only return means "no token".
type TokenFunc func() string

// StaticToken returns a TokenFunc that always yields tok.
func StaticToken(tok string) TokenFunc {
	return func() string { return tok }
}

// resolve trims the credential and fails with KindAuth when it is absent.
func (f TokenFunc) resolve(op string) (string, error) {
	if f == nil {
		return "", newError(KindAuth, op, "API token is required")
	}
	tok := strings.TrimSpace(f())
	if tok == "" {
		return "", newError(KindAuth, op, "API token is required")
	}
	return tok, nil
}

// NormalizeBaseURL strips surrounding whitespace and trailing slashes.
func NormalizeBaseURL(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/")
}
