package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/qlik-mcp/internal/auth"
	"github.com/nugget/qlik-mcp/internal/buildinfo"
	"github.com/nugget/qlik-mcp/internal/connwatch"
	"github.com/nugget/qlik-mcp/internal/qlik"
)

// maxBodyBytes caps a single JSON-RPC message.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ServerConfig configures the HTTP endpoint.
type ServerConfig struct {
	Address string
	Port    int
	Handler *Handler

	// Health reports watcher status on /health. Optional.
	Health *connwatch.Manager

	// Verifier enables the gateway token check on /mcp. Optional.
	Verifier   auth.TokenVerifier
	AuthHeader string

	Logger *slog.Logger
}

// Server is the MCP HTTP server.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new MCP server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Routes returns the HTTP handler with every route and middleware
// applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	gate := auth.Middleware(s.cfg.Verifier, s.cfg.AuthHeader, s.rejectGateway)
	mux.Handle("POST /mcp", gate(http.HandlerFunc(s.handleMCP)))

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // chart extraction can page for a while
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting MCP server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", reqID,
		)
	})
}

// requestToken returns the tenant credential presented with r:
// X-API-KEY first, then an Authorization bearer.
func requestToken(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-KEY")); key != "" {
		return key
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeRPC(w, http.StatusRequestEntityTooLarge,
				newError(nil, CodeInvalidRequest, "request body too large", nil))
			return
		}
		s.writeRPC(w, http.StatusBadRequest, newError(nil, CodeParseError, "Parse error: "+err.Error(), nil))
		return
	}

	req, bad := ParseRequest(body)
	if bad != nil {
		s.writeRPC(w, http.StatusOK, bad)
		return
	}

	resp := s.cfg.Handler.Handle(r.Context(), req, requestToken(r))
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeRPC(w, http.StatusOK, resp)
}

func (s *Server) writeRPC(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, resp, s.logger)
}

func (s *Server) rejectGateway(w http.ResponseWriter, r *http.Request, reason string) {
	s.logger.Warn("gateway token rejected", "reason", reason, "remote", r.RemoteAddr)
	s.writeRPC(w, http.StatusUnauthorized, newError(nil, CodeInvalidRequest, "Unauthorized: "+reason, kindData(qlik.KindAuth)))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"name":        buildinfo.Name,
		"version":     buildinfo.Version,
		"status":      "ok",
		"description": "Read-only MCP server for Qlik Cloud apps, sheets and charts",
		"endpoints": map[string]string{
			"mcp":     "POST /mcp",
			"health":  "GET /health",
			"version": "GET /v1/version",
		},
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth always answers 200 so liveness probes do not restart the
// process over a tenant outage; readiness is in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	body := map[string]any{"version": buildinfo.Version}
	if s.cfg.Health != nil {
		body["services"] = s.cfg.Health.Status()
		if !s.cfg.Health.Healthy() {
			status = "degraded"
		}
	}
	body["status"] = status

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}
