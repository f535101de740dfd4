package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// JSON-RPC error codes. CodeMissingCredential is in the
// implementation-defined server error range.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternalError     = -32603
	CodeMissingCredential = -32000
)

// nullID is echoed when a request id is absent or unreadable.
var nullID = json.RawMessage("null")

// Request is an inbound JSON-RPC 2.0 message. ID is kept raw so string,
// number and null ids are echoed back byte for byte; an absent ID marks
// a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the message carries no id and so
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func newResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: echoID(id), Result: result}
}

func newError(id json.RawMessage, code int, msg string, data any) *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      echoID(id),
		Error:   &RPCError{Code: code, Message: msg, Data: data},
	}
}

func echoID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

// validID reports whether id is a JSON string, number or null.
func validID(id json.RawMessage) bool {
	id = bytes.TrimSpace(id)
	if len(id) == 0 {
		return true
	}
	switch id[0] {
	case '"', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	default:
		return false
	}
}

// ParseRequest decodes one message. A decode failure yields a ready
// parse-error response; a structurally invalid message yields an
// invalid-request response.
func ParseRequest(body []byte) (*Request, *Response) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		return nil, newError(nil, CodeInvalidRequest, "batch requests are not supported", nil)
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, newError(nil, CodeParseError, "Parse error: "+err.Error(), nil)
	}
	if !validID(req.ID) {
		return nil, newError(nil, CodeInvalidRequest, "id must be a string, number or null", nil)
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonrpcVersion {
		return nil, newError(req.ID, CodeInvalidRequest, fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC), nil)
	}
	if req.Method == "" {
		return nil, newError(req.ID, CodeInvalidRequest, "Missing 'method'", nil)
	}
	return &req, nil
}
