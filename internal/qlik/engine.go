package qlik

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/qlik-mcp/internal/buildinfo"
)

// DefaultConnectTimeout bounds the Engine WebSocket handshake.
const DefaultConnectTimeout = 25 * time.Second

const jsonrpcVersion = "2.0"

// SessionState is the lifecycle state of an Engine session.
type SessionState int

// Session states. A remote close returns an open session to
// StateUnconnected; Close moves it to StateClosed permanently.
const (
	StateUnconnected SessionState = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// EngineConfig configures a Session.
type EngineConfig struct {
	BaseURL        string
	Token          TokenFunc
	ConnectTimeout time.Duration
	Logger         *slog.Logger

	// Dialer overrides the default WebSocket dialer (TLS settings, tests).
	Dialer *websocket.Dialer
}

// Request is an outbound Engine JSON-RPC envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// Response is an Engine reply correlated to a Request by ID. A non-nil
// Error is a remote-side failure, not a transport failure.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a remote Engine error. The platform sends Code as either a
// number or a string.
type RPCError struct {
	Code      json.RawMessage `json:"code,omitempty"`
	Message   string          `json:"message"`
	Parameter string          `json:"parameter,omitempty"`
}

// CodeString renders Code without JSON quoting.
func (e *RPCError) CodeString() string {
	if len(e.Code) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Code, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(e.Code))
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if code := e.CodeString(); code != "" {
		return fmt.Sprintf("engine error %s: %s", code, e.Message)
	}
	return "engine error: " + e.Message
}

// frame is the parse target for inbound messages. ID is a pointer so a
// notification (no id) is distinguishable from id 0.
type frame struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type callResult struct {
	resp *Response
	err  error
}

// Session is one Engine WebSocket bound to one remote document. Calls
// may be issued concurrently; replies are matched to callers by id in
// any order. A Session is meant to be created per operation and closed
// when that operation completes.
type Session struct {
	baseURL        string
	token          TokenFunc
	connectTimeout time.Duration
	dialer         *websocket.Dialer
	logger         *slog.Logger

	// connectMu serializes connection attempts.
	connectMu sync.Mutex

	mu      sync.Mutex
	state   SessionState
	docID   string
	opened  bool // OpenDoc succeeded on the current socket
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan callResult

	// writeMu serializes frame writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// NewSession creates an unconnected Engine session.
func NewSession(cfg EngineConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		// Larger buffers for big layouts and hypercube pages.
		dialer = &websocket.Dialer{
			Proxy:           http.ProxyFromEnvironment,
			ReadBufferSize:  1024 * 1024, // 1MB
			WriteBufferSize: 64 * 1024,   // 64KB
		}
	}
	return &Session{
		baseURL:        NormalizeBaseURL(cfg.BaseURL),
		token:          cfg.Token,
		connectTimeout: timeout,
		dialer:         dialer,
		logger:         logger,
		pending:        make(map[int64]chan callResult),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DocumentID returns the document this session is bound to, or "".
func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docID
}

// SocketURL derives the Engine URL for docID from the endpoint base,
// mapping http→ws and https→wss.
func SocketURL(base, docID string) (string, error) {
	base = NormalizeBaseURL(base)
	if base == "" {
		return "", newError(KindConfig, "engine connect", "tenant URL is not configured")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", &Error{Kind: KindConfig, Op: "engine connect", Message: "invalid tenant URL", Err: err}
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", newError(KindConfig, "engine connect", fmt.Sprintf("unsupported tenant URL scheme %q", u.Scheme))
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/app/" + url.PathEscape(docID)
	u.RawQuery = ""
	return u.String(), nil
}

// Connect opens the socket for docID, reusing a live one. The credential
// is resolved once per attempt; its absence fails before any dial.
func (s *Session) Connect(ctx context.Context, docID string) error {
	const op = "engine connect"

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return newError(KindClosed, op, "engine session is closed")
	case s.docID != "" && s.docID != docID:
		bound := s.docID
		s.mu.Unlock()
		return newError(KindConfig, op, fmt.Sprintf("session is bound to document %q; use a new session for %q", bound, docID))
	case s.state == StateOpen:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	tok, err := s.token.resolve(op)
	if err != nil {
		return err
	}
	target, err := SocketURL(s.baseURL, docID)
	if err != nil {
		return err
	}

	s.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	header.Set("User-Agent", buildinfo.UserAgent())

	s.logger.Debug("connecting to engine", "url", target)

	conn, resp, err := s.dialer.DialContext(dialCtx, target, header)
	if err != nil {
		s.setState(StateUnconnected)
		return dialError(dialCtx, op, resp, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	// Hypercube pages can be large.
	conn.SetReadLimit(100 * 1024 * 1024) // 100MB max message size

	s.mu.Lock()
	if s.state == StateClosed {
		// Close raced with the handshake.
		s.mu.Unlock()
		conn.Close()
		return newError(KindClosed, op, "engine session is closed")
	}
	s.conn = conn
	s.docID = docID
	s.opened = false
	s.state = StateOpen
	s.mu.Unlock()

	s.logger.Info("engine socket open", "document", docID)

	go s.readLoop(conn)
	return nil
}

// dialError maps a failed handshake onto the error taxonomy.
func dialError(dialCtx context.Context, op string, resp *http.Response, err error) error {
	if resp != nil {
		if resp.Body != nil {
			defer resp.Body.Close()
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &Error{Kind: KindAuth, Op: op, Status: resp.StatusCode, Message: "engine rejected the API token", Err: err}
		case http.StatusNotFound:
			return &Error{Kind: KindConfig, Op: op, Status: resp.StatusCode, Message: "engine endpoint not found, check tenant URL and app id", Err: err}
		default:
			return &Error{Kind: KindUpstream, Op: op, Status: resp.StatusCode, Message: "engine handshake failed", Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Message: "engine connection timeout", Err: err}
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Message: "engine connection timeout", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Kind: KindUpstream, Op: op, Message: "engine dial failed", Err: err}
}

// setState transitions unless the session is already closed.
func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// Call sends method with positional params and waits for the reply with
// the same id. It fails immediately if the socket is not open; it never
// reconnects. The session imposes no per-call deadline: a call waits
// until its reply arrives, the socket closes, Close is called, or ctx
// is done.
func (s *Session) Call(ctx context.Context, method string, params ...any) (*Response, error) {
	op := "engine " + method

	s.mu.Lock()
	if s.state != StateOpen || s.conn == nil {
		st := s.state
		s.mu.Unlock()
		return nil, newError(KindClosed, op, "engine socket not open ("+st.String()+")")
	}
	s.nextID++
	id := s.nextID
	ch := make(chan callResult, 1)
	s.pending[id] = ch
	conn := s.conn
	s.mu.Unlock()

	if params == nil {
		params = []any{}
	}
	req := Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}

	s.writeMu.Lock()
	err := conn.WriteJSON(req)
	s.writeMu.Unlock()
	if err != nil {
		if !s.forget(id) {
			// Already rejected by Close or a lost socket.
			r := <-ch
			return r.resp, r.err
		}
		return nil, &Error{Kind: KindUpstream, Op: op, Message: "send request", Err: err}
	}

	s.logger.Log(ctx, levelTrace, "engine request sent", "id", id, "method", method)

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		if !s.forget(id) {
			r := <-ch
			return r.resp, r.err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Op: op, Message: "engine call timed out", Err: ctx.Err()}
		}
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

// forget removes a pending call, reporting whether it was still pending.
func (s *Session) forget(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

// PendingCount returns the number of calls awaiting a reply.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// readLoop delivers replies until conn fails.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.connLost(conn, err)
			return
		}
		s.dispatch(data)
	}
}

// dispatch resolves the pending call matching the frame id. Unparseable
// frames, notifications and replies with no pending call are dropped.
func (s *Session) dispatch(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Debug("ignoring unparseable engine frame", "bytes", len(data), "error", err)
		return
	}
	if f.ID == nil {
		s.logger.Debug("ignoring engine notification", "method", f.Method)
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[*f.ID]
	if ok {
		delete(s.pending, *f.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("ignoring unmatched engine response", "id", *f.ID)
		return
	}

	s.logger.Log(context.Background(), levelTrace, "engine response", "id", *f.ID, "payload", string(data))

	ch <- callResult{resp: &Response{
		JSONRPC: jsonrpcVersion,
		ID:      *f.ID,
		Result:  f.Result,
		Error:   f.Error,
	}}
}

// connLost detaches conn and rejects everything still waiting on it.
func (s *Session) connLost(conn *websocket.Conn, err error) {
	s.mu.Lock()
	wasClosed := s.state == StateClosed
	if s.conn == conn {
		s.conn = nil
		s.opened = false
		if !wasClosed {
			s.state = StateUnconnected
		}
	}
	pending := s.pending
	s.pending = make(map[int64]chan callResult)
	s.mu.Unlock()

	conn.Close()
	rejectAll(pending, newError(KindClosed, "engine", "engine socket closed"))

	switch {
	case wasClosed:
		s.logger.Debug("engine read loop stopped")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.logger.Info("engine socket closed by remote", "document", s.DocumentID())
	default:
		s.logger.Warn("engine socket lost", "document", s.DocumentID(), "error", err)
	}
}

// Close tears the session down. It is idempotent; every call still
// pending fails with a KindClosed error.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	s.opened = false
	pending := s.pending
	s.pending = make(map[int64]chan callResult)
	s.mu.Unlock()

	rejectAll(pending, newError(KindClosed, "engine", "engine client closed"))

	if conn == nil {
		return nil
	}
	// WriteControl may run concurrently with other writers.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

func rejectAll(pending map[int64]chan callResult, err error) {
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}
