package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// normalizeID trims an id argument and strips a "{{...}}" template
// wrapper that clients sometimes forward unrendered.
func normalizeID(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		s = x
	default:
		s = fmt.Sprint(x)
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") && len(s) >= 4 {
		s = strings.TrimSpace(s[2 : len(s)-2])
	}
	return s
}

// stringArg returns a trimmed string argument, or "" when absent.
func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &ErrInvalidArgument{Arg: name, Reason: "must be a string"}
	}
	return strings.TrimSpace(s), nil
}

// intArg returns an integer argument, or 0 when absent. JSON numbers
// arrive as float64; whole-number strings are accepted too.
func intArg(args map[string]any, name string) (int, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return 0, nil
	}
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) {
			return 0, &ErrInvalidArgument{Arg: name, Reason: "must be an integer"}
		}
		return int(x), nil
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0, &ErrInvalidArgument{Arg: name, Reason: "must be an integer"}
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, &ErrInvalidArgument{Arg: name, Reason: "must be an integer"}
		}
		return n, nil
	default:
		return 0, &ErrInvalidArgument{Arg: name, Reason: "must be an integer"}
	}
}

// boolArg returns a boolean argument, or false when absent.
func boolArg(args map[string]any, name string) (bool, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return false, nil
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, &ErrInvalidArgument{Arg: name, Reason: "must be a boolean"}
		}
		return b, nil
	default:
		return false, &ErrInvalidArgument{Arg: name, Reason: "must be a boolean"}
	}
}
