package tools

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/qlik-mcp/internal/qlik"
)

// fakeTenant serves the items API over plain HTTP and the Engine API
// over a WebSocket on /app/{id}, both from one loopback server.
type fakeTenant struct {
	srv *httptest.Server

	mu       sync.Mutex
	items    string // items response body
	engine   func(req qlik.Request) any
	auth     []string
	docs     []string
	methods  []string
	restHits int
}

func newFakeTenant(t *testing.T) *fakeTenant {
	t.Helper()
	ft := &fakeTenant{items: `{"data":[]}`}
	up := websocket.Upgrader{}
	ft.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ft.mu.Lock()
		ft.auth = append(ft.auth, r.Header.Get("Authorization"))
		ft.mu.Unlock()

		if doc, ok := strings.CutPrefix(r.URL.Path, "/app/"); ok {
			ft.mu.Lock()
			ft.docs = append(ft.docs, doc)
			ft.mu.Unlock()
			conn, err := up.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			ft.serveEngine(conn)
			return
		}

		ft.mu.Lock()
		ft.restHits++
		body := ft.items
		ft.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))
	t.Cleanup(ft.srv.Close)
	return ft
}

func (ft *fakeTenant) serveEngine(conn *websocket.Conn) {
	for {
		var req qlik.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		ft.mu.Lock()
		ft.methods = append(ft.methods, req.Method)
		handler := ft.engine
		ft.mu.Unlock()

		var reply any = map[string]any{}
		if handler != nil && req.Method != "OpenDoc" {
			reply = handler(req)
		}
		msg := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if e, ok := reply.(*qlik.RPCError); ok {
			msg["error"] = e
		} else {
			msg["result"] = reply
		}
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (ft *fakeTenant) setEngine(h func(req qlik.Request) any) {
	ft.mu.Lock()
	ft.engine = h
	ft.mu.Unlock()
}

func (ft *fakeTenant) setItems(body string) {
	ft.mu.Lock()
	ft.items = body
	ft.mu.Unlock()
}

func (ft *fakeTenant) snapshot() (auth, docs, methods []string, restHits int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]string(nil), ft.auth...), append([]string(nil), ft.docs...),
		append([]string(nil), ft.methods...), ft.restHits
}

func (ft *fakeTenant) registry() *Registry {
	return NewRegistry(Backend{
		BaseURL:        ft.srv.URL,
		RESTTimeout:    2 * time.Second,
		RESTRetries:    qlik.RetryCount(0),
		RetryDelay:     time.Millisecond,
		ConnectTimeout: 2 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func tokenCtx(t *testing.T, tok string) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return WithToken(ctx, tok)
}
