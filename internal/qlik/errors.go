package qlik

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Kind classifies a failure so callers can tell a bad credential from a
// misconfigured endpoint or a platform fault without parsing messages.
type Kind int

// Failure kinds surfaced by the REST and Engine clients.
const (
	KindUnknown Kind = iota
	// KindAuth is a missing, invalid or expired credential, or a token
	// lacking the remote permission an operation needs.
	KindAuth
	// KindConfig is a misconfigured endpoint base.
	KindConfig
	// KindTimeout is an exceeded connect or HTTP budget.
	KindTimeout
	// KindUpstream is a remote-side failure carrying status or message.
	KindUpstream
	// KindClosed is an operation attempted on, or interrupted by, a
	// torn-down session.
	KindClosed
)

// String returns the lowercase kind name used in logs and RPC error data.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindConfig:
		return "config"
	case KindTimeout:
		return "timeout"
	case KindUpstream:
		return "upstream"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every client operation.
type Error struct {
	Kind    Kind
	Op      string // e.g. "rest list", "engine OpenDoc"
	Status  int    // HTTP status for REST failures, 0 otherwise
	Message string
	Err     error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrAuth     = &Error{Kind: KindAuth}
	ErrConfig   = &Error{Kind: KindConfig}
	ErrTimeout  = &Error{Kind: KindTimeout}
	ErrUpstream = &Error{Kind: KindUpstream}
	ErrClosed   = &Error{Kind: KindClosed}
)

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(e.Kind.String() + " error")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrAuth)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// transportError classifies a failure that happened before any response
// arrived: our own typed errors pass through, deadline expiry becomes
// KindTimeout, anything else is an upstream connectivity failure.
func transportError(op string, err error) error {
	var qe *Error
	if errors.As(err, &qe) {
		return qe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Message: "request timed out", Err: err}
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Message: "request timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Kind: KindUpstream, Op: op, Message: "request failed", Err: err}
}
