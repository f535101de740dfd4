// Package tools defines the read-only Qlik tools exposed over MCP.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/nugget/qlik-mcp/internal/httpkit"
	"github.com/nugget/qlik-mcp/internal/qlik"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	// Handler returns a JSON-serializable result.
	Handler func(ctx context.Context, args map[string]any) (any, error) `json:"-"`
}

// Backend describes how tools reach the tenant. The credential is not
// part of it: every call takes the token carried by its context (see
// WithToken), so one Backend serves every caller.
type Backend struct {
	BaseURL        string
	RESTTimeout    time.Duration
	RESTRetries    *int // nil selects the REST default
	RetryDelay     time.Duration
	ConnectTimeout time.Duration
	// CallTimeout bounds each Engine-backed tool invocation. Zero means
	// the caller's context is the only bound.
	CallTimeout time.Duration
	Logger      *slog.Logger

	transport *http.Transport
}

// Registry holds available tools.
type Registry struct {
	tools   map[string]*Tool
	backend Backend
	logger  *slog.Logger
}

// NewRegistry creates a registry with the Qlik tools registered.
func NewRegistry(b Backend) *Registry {
	if b.Logger == nil {
		b.Logger = slog.Default()
	}
	if b.transport == nil {
		b.transport = httpkit.NewTransport()
	}
	r := &Registry{
		tools:   make(map[string]*Tool),
		backend: b,
		logger:  b.Logger,
	}
	r.registerQlikTools()
	return r
}

// Register adds a tool to the registry, replacing any tool of the same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a tool by name and renders its result as indented JSON.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	out, err := tool.Handler(ctx, args)
	if err != nil {
		r.logger.Debug("tool failed", "tool", name, "elapsed", time.Since(start), "error", err)
		return "", err
	}
	if s, ok := out.(string); ok {
		return s, nil
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s result: %w", name, err)
	}
	r.logger.Debug("tool completed", "tool", name, "elapsed", time.Since(start), "bytes", len(data))
	return string(data), nil
}

// restClient builds a REST client bound to the context credential. The
// transport is shared so connections are pooled across calls.
func (r *Registry) restClient(ctx context.Context) *qlik.RESTClient {
	b := r.backend
	return qlik.NewRESTClient(qlik.RESTConfig{
		BaseURL:    b.BaseURL,
		Token:      contextToken(ctx),
		Timeout:    b.RESTTimeout,
		Retries:    b.RESTRetries,
		RetryDelay: b.RetryDelay,
		Logger:     r.logger,
		Transport:  b.transport,
	})
}

// withSession opens a fresh Engine session on docID, runs fn and closes
// the session whatever the outcome.
func (r *Registry) withSession(ctx context.Context, docID string, fn func(ctx context.Context, s *qlik.Session) (any, error)) (any, error) {
	if r.backend.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.backend.CallTimeout)
		defer cancel()
	}

	s := qlik.NewSession(qlik.EngineConfig{
		BaseURL:        r.backend.BaseURL,
		Token:          contextToken(ctx),
		ConnectTimeout: r.backend.ConnectTimeout,
		Logger:         r.logger,
	})
	defer s.Close()

	if err := s.OpenDoc(ctx, docID); err != nil {
		return nil, err
	}
	return fn(ctx, s)
}
