package tools

import "fmt"

// ErrToolUnavailable is returned when a call targets a tool that is not
// registered.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.ToolName)
}

// ErrInvalidArgument is returned when a tool argument is missing or has
// the wrong type. No remote call has been made when it is returned.
type ErrInvalidArgument struct {
	Arg    string
	Reason string
}

// Error implements the error interface.
func (e *ErrInvalidArgument) Error() string {
	return fmt.Sprintf("%s %s", e.Arg, e.Reason)
}

func missingArg(name, hint string) error {
	reason := "is required"
	if hint != "" {
		reason += ". " + hint
	}
	return &ErrInvalidArgument{Arg: name, Reason: reason}
}
