package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// TestToken is the token issued by the fake server's default login handler
const TestToken = "test-token"

// SessionCookie is the cookie set by a successful login
const SessionCookie = "SESSION_CONNECT_WEBMAIL"

// RPCError is returned by a handler to produce a JSON-RPC error envelope
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return e.Message
}

// HandlerFunc answers one JSON-RPC method. Returning an *RPCError produces an
// error envelope; any other error produces an HTTP 500.
type HandlerFunc func(params json.RawMessage) (any, error)

// Call records one request received by the fake server
type Call struct {
	ID          int64
	Method      string
	Params      json.RawMessage
	Token       string
	HeaderToken string
	Cookie      string
}

// FakeServer emulates the webmail JSON-RPC endpoint over TLS
type FakeServer struct {
	*httptest.Server

	mu             sync.Mutex
	handlers       map[string]HandlerFunc
	calls          []Call
	defaults       string
	defaultsStatus int
	defaultsCookie string
	logins         int
}

// NewFakeServer starts a fake server with login and logout handlers installed
func NewFakeServer(t *testing.T) *FakeServer {
	t.Helper()

	f := &FakeServer{
		handlers:       make(map[string]HandlerFunc),
		defaultsStatus: http.StatusOK,
	}
	f.Result("Session.login", map[string]any{"token": TestToken})
	f.Result("Session.logout", map[string]any{})

	mux := http.NewServeMux()
	mux.HandleFunc("/webmail/api/jsonrpc/", f.serveRPC)
	mux.HandleFunc("/webmail/generatedDefaults.js", f.serveDefaults)
	f.Server = httptest.NewTLSServer(mux)
	t.Cleanup(f.Close)
	return f
}

// Handle installs fn for method, replacing any previous handler
func (f *FakeServer) Handle(method string, fn HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

// Result installs a handler that always returns v
func (f *FakeServer) Result(method string, v any) {
	f.Handle(method, func(json.RawMessage) (any, error) {
		return v, nil
	})
}

// Fail installs a handler that always returns an RPC error
func (f *FakeServer) Fail(method string, code int, message string) {
	f.Handle(method, func(json.RawMessage) (any, error) {
		return nil, &RPCError{Code: code, Message: message}
	})
}

// SetDefaults sets the body and status of generatedDefaults.js
func (f *FakeServer) SetDefaults(status int, script string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultsStatus = status
	f.defaults = script
}

// Calls returns the recorded calls of method, or all calls when method is empty
func (f *FakeServer) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// DefaultsCookie returns the session cookie sent with the last
// generatedDefaults.js request
func (f *FakeServer) DefaultsCookie() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defaultsCookie
}

// CallCount returns how many times method was called
func (f *FakeServer) CallCount(method string) int {
	return len(f.Calls(method))
}

func (f *FakeServer) serveRPC(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64           `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Token  string          `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{
		ID:          req.ID,
		Method:      req.Method,
		Params:      req.Params,
		Token:       req.Token,
		HeaderToken: r.Header.Get("X-Token"),
		Cookie:      sessionCookie(r),
	})
	handler, ok := f.handlers[req.Method]
	f.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = map[string]any{"code": -32601, "message": "Method not found"}
		writeJSON(w, resp)
		return
	}

	result, err := handler(req.Params)
	if err != nil {
		rpcErr, isRPC := err.(*RPCError)
		if !isRPC {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["error"] = map[string]any{"code": rpcErr.Code, "message": rpcErr.Message}
		writeJSON(w, resp)
		return
	}
	if req.Method == "Session.login" {
		f.mu.Lock()
		f.logins++
		value := fmt.Sprintf("session-%d", f.logins)
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: value, Path: "/"})
	}
	resp["result"] = result
	writeJSON(w, resp)
}

func (f *FakeServer) serveDefaults(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status, script := f.defaultsStatus, f.defaults
	f.defaultsCookie = sessionCookie(r)
	f.mu.Unlock()

	if r.Header.Get("X-Token") == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(script))
}

func sessionCookie(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json-rpc; charset=UTF-8")
	_ = json.NewEncoder(w).Encode(v)
}
