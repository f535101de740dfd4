package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits one step below debug. The qlik clients log at this level
// for every Engine request they send, every Engine response payload they
// receive, and the URL of each REST call with its query string redacted.
// Hypercube pages show up here in full, so it is only useful when chasing a
// specific wire problem against a tenant.
const LevelTrace = slog.Level(-8)

// levelNames maps the accepted log_level spellings to levels. Order is the
// order shown in the error for an unknown value.
var levelNames = []struct {
	name  string
	level slog.Level
}{
	{"trace", LevelTrace},
	{"debug", slog.LevelDebug},
	{"info", slog.LevelInfo},
	{"warn", slog.LevelWarn},
	{"warning", slog.LevelWarn},
	{"error", slog.LevelError},
}

// ParseLogLevel resolves a log_level value. Matching ignores case and
// surrounding space; empty means info. Use "trace" to see Engine frames
// and REST URLs, "debug" for per-tool-call detail and stray Engine frames.
func ParseLogLevel(s string) (slog.Level, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return slog.LevelInfo, nil
	}
	for _, ln := range levelNames {
		if ln.name == v {
			return ln.level, nil
		}
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// ReplaceLogLevelNames is a ReplaceAttr hook for the serve handler. slog
// would print Engine and REST wire records as "DEBUG-4"; this labels them
// TRACE so they can be filtered apart from ordinary debug output.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
