package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/nugget/qlik-mcp/internal/buildinfo"
	"github.com/nugget/qlik-mcp/internal/qlik"
	"github.com/nugget/qlik-mcp/internal/tools"
)

const missingTokenMessage = "Missing Qlik token. Set QLIK_TOKEN or Authorization: Bearer <token>."

// Executor runs tools by name; *tools.Registry satisfies it.
type Executor interface {
	Get(name string) *tools.Tool
	List() []*tools.Tool
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// Handler dispatches MCP methods to the tool registry.
type Handler struct {
	tools        Executor
	defaultToken string
	logger       *slog.Logger
}

// NewHandler creates a dispatcher. defaultToken is used when a request
// carries no credential of its own.
func NewHandler(exec Executor, defaultToken string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		tools:        exec,
		defaultToken: strings.TrimSpace(defaultToken),
		logger:       logger,
	}
}

// Handle processes one request. token is the credential presented with
// the request, possibly empty. It returns nil for notifications.
func (h *Handler) Handle(ctx context.Context, req *Request, token string) *Response {
	token = strings.TrimSpace(token)
	if token == "" {
		token = h.defaultToken
	}

	resp := h.dispatch(ctx, req, token)

	code := 0
	if resp != nil && resp.Error != nil {
		code = resp.Error.Code
	}
	h.logger.Info("mcp request",
		"method", req.Method,
		"has_token", token != "",
		"error_code", code,
	)

	if req.IsNotification() {
		return nil
	}
	return resp
}

func (h *Handler) dispatch(ctx context.Context, req *Request, token string) *Response {
	switch req.Method {
	case "initialize":
		return newResult(req.ID, initializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo: serverInfo{
				Name:        buildinfo.Name,
				Version:     buildinfo.Version,
				Description: "Qlik Cloud MCP: list apps, sheets and chart data (read-only)",
			},
		})
	case "ping":
		return newResult(req.ID, map[string]any{})
	case "tools/list":
		return newResult(req.ID, toolsListResult{Tools: h.definitions()})
	case "tools/call":
		return h.callTool(ctx, req, token)
	}

	if strings.HasPrefix(req.Method, "notifications/") {
		return nil
	}
	return newError(req.ID, CodeMethodNotFound, "Method not found: "+req.Method, nil)
}

func (h *Handler) definitions() []ToolDefinition {
	list := h.tools.List()
	defs := make([]ToolDefinition, 0, len(list))
	for _, t := range list {
		defs = append(defs, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}

func (h *Handler) callTool(ctx context.Context, req *Request, token string) *Response {
	var p callToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return newError(req.ID, CodeInvalidParams, "Invalid params: "+err.Error(), nil)
		}
	}
	if p.Name == "" {
		return newError(req.ID, CodeInvalidParams, "Missing params.name", nil)
	}
	if h.tools.Get(p.Name) == nil {
		return newError(req.ID, CodeMethodNotFound, "Unknown tool: "+p.Name, nil)
	}
	if token == "" {
		return newError(req.ID, CodeMissingCredential, missingTokenMessage, kindData(qlik.KindAuth))
	}

	text, err := h.tools.Execute(tools.WithToken(ctx, token), p.Name, p.Arguments)
	if err != nil {
		h.logger.Warn("tool call failed", "tool", p.Name, "kind", qlik.KindOf(err).String(), "error", err)
		return toolError(req.ID, err)
	}
	return newResult(req.ID, CallToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	})
}

// toolError maps a tool failure onto a JSON-RPC error. Data carries the
// failure kind so clients can tell a bad token from a platform fault.
func toolError(id json.RawMessage, err error) *Response {
	var unavailable *tools.ErrToolUnavailable
	if errors.As(err, &unavailable) {
		return newError(id, CodeMethodNotFound, err.Error(), nil)
	}
	var invalid *tools.ErrInvalidArgument
	if errors.As(err, &invalid) {
		return newError(id, CodeInvalidParams, err.Error(), map[string]any{"argument": invalid.Arg})
	}
	return newError(id, CodeInternalError, err.Error(), kindData(qlik.KindOf(err)))
}

func kindData(k qlik.Kind) map[string]any {
	return map[string]any{"kind": k.String()}
}
