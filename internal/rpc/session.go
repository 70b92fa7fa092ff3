package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	endpointPath = "/webmail/api/jsonrpc/"
	defaultsPath = "/webmail/generatedDefaults.js"

	acceptHeader      = "application/json-rpc"
	contentTypeHeader = "application/json-rpc; charset=UTF-8"

	defaultTimeout          = 30 * time.Second
	defaultSignatureTimeout = 10 * time.Second
	maxDefaultsSize         = 4 << 20
)

var signaturePattern = regexp.MustCompile(`mailSignature:\s*("(?:[^"\\]|\\.)*")`)

// Credentials identify the account a session logs into
type Credentials struct {
	Server   string
	Username string
	Password string
	Email    string
}

// Application identifies this client to the server at login
type Application struct {
	Name    string `json:"name"`
	Vendor  string `json:"vendor"`
	Version string `json:"version"`
}

// Identity is the result of Session.whoAmI
type Identity struct {
	ID        string `json:"id"`
	LoginName string `json:"loginName"`
	FullName  string `json:"fullName"`
	Email     string `json:"email"`
}

// Option configures a Session
type Option func(*Session)

// WithHTTPClient replaces the HTTP client used for all calls. The session
// uses a copy of it with its own cookie jar.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Session) {
		s.client = client
	}
}

// WithBaseURL overrides the https://{server} origin derived from the credentials
func WithBaseURL(baseURL string) Option {
	return func(s *Session) {
		s.baseURL = baseURL
	}
}

// WithApplication sets the application descriptor sent at login
func WithApplication(app Application) Option {
	return func(s *Session) {
		s.app = app
	}
}

// WithTimeout sets the per-call timeout used when the caller's context has no deadline
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSignatureTimeout sets the timeout of the signature download
func WithSignatureTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.signatureTimeout = d
		}
	}
}

// WithLogger sets the session logger
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// Session is one authenticated JSON-RPC channel to one account.
// Request ids are unique per session; calls may run concurrently.
type Session struct {
	id               string
	creds            Credentials
	app              Application
	baseURL          string
	client           *http.Client
	timeout          time.Duration
	signatureTimeout time.Duration
	logger           *logrus.Logger

	mu        sync.Mutex
	requestID int64

	tokenMu sync.RWMutex
	token   string
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    *int   `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type loginParams struct {
	UserName    string      `json:"userName"`
	Password    string      `json:"password"`
	Application Application `json:"application"`
}

// NewSession creates a session that is not yet logged in
func NewSession(creds Credentials, opts ...Option) *Session {
	s := &Session{
		id:    uuid.NewString(),
		creds: creds,
		app: Application{
			Name:    "mailsync",
			Vendor:  "mailsync",
			Version: "1.0",
		},
		baseURL:          "https://" + creds.Server,
		client:           &http.Client{},
		timeout:          defaultTimeout,
		signatureTimeout: defaultSignatureTimeout,
		logger:           logrus.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// The login cookie belongs to this session alone
	client := *s.client
	client.Jar, _ = cookiejar.New(nil)
	s.client = &client
	return s
}

// ID returns the local correlation id of the session
func (s *Session) ID() string {
	return s.id
}

// Email returns the login email of the account
func (s *Session) Email() string {
	return s.creds.Email
}

// BaseURL returns the server origin, e.g. https://mail.example.com
func (s *Session) BaseURL() string {
	return s.baseURL
}

// Token returns the current auth token, empty before login
func (s *Session) Token() string {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.token
}

func (s *Session) setToken(token string) {
	s.tokenMu.Lock()
	s.token = token
	s.tokenMu.Unlock()
}

func (s *Session) nextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestID++
	return s.requestID
}

// Call issues one JSON-RPC request and decodes the result into result (may be nil).
// If ctx carries no deadline the session timeout applies.
func (s *Session) Call(ctx context.Context, method string, params, result any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	token := s.Token()
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      s.nextID(),
		Method:  method,
		Params:  params,
		Token:   token,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+endpointPath, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Content-Type", contentTypeHeader)
	if token != "" {
		req.Header.Set("X-Token", token)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"method":     method,
	}).Debug("RPC call")

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return &TransportError{Method: method, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var envelope response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &TransportError{Method: method, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if envelope.Error != nil {
		remote := &RemoteError{Method: method, Message: envelope.Error.Message, Code: -1}
		if remote.Message == "" {
			remote.Message = "Unknown error"
		}
		if envelope.Error.Code != nil {
			remote.Code = *envelope.Error.Code
		}
		return remote
	}

	if result == nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Login authenticates and stores the returned token. Calling it again re-authenticates.
func (s *Session) Login(ctx context.Context) error {
	var res struct {
		Token string `json:"token"`
	}
	err := s.Call(ctx, "Session.login", loginParams{
		UserName:    s.creds.Username,
		Password:    s.creds.Password,
		Application: s.app,
	}, &res)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			return &AuthError{Username: s.creds.Username, Message: remote.Message, Code: remote.Code}
		}
		return err
	}
	if res.Token == "" {
		return &AuthError{Username: s.creds.Username, Message: "server returned no token", Code: -1}
	}

	s.setToken(res.Token)
	s.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"server":     s.creds.Server,
		"username":   s.creds.Username,
	}).Info("Logged in")
	return nil
}

// Logout ends the remote session. Errors are logged and swallowed.
func (s *Session) Logout(ctx context.Context) {
	if s.Token() == "" {
		return
	}
	if err := s.Call(ctx, "Session.logout", nil, nil); err != nil {
		s.logger.WithError(err).WithField("session_id", s.id).Warn("Logout failed")
	}
	s.setToken("")
	s.client.CloseIdleConnections()
}

// Close drops the token and idle connections without a logout round-trip
func (s *Session) Close() {
	s.setToken("")
	s.client.CloseIdleConnections()
}

// WhoAmI returns the logged-in user
func (s *Session) WhoAmI(ctx context.Context) (*Identity, error) {
	var identity Identity
	if err := s.Call(ctx, "Session.whoAmI", nil, &identity); err != nil {
		return nil, err
	}
	return &identity, nil
}

// Signature downloads the webmail defaults script and extracts the mail
// signature. Any failure yields an empty string.
func (s *Session) Signature(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, s.signatureTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+defaultsPath, nil)
	if err != nil {
		return ""
	}
	if token := s.Token(); token != "" {
		req.Header.Set("X-Token", token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", s.id).Debug("Signature download failed")
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	script, err := io.ReadAll(io.LimitReader(resp.Body, maxDefaultsSize))
	if err != nil {
		return ""
	}
	return ParseSignature(script)
}

// ParseSignature extracts the mailSignature string literal from a defaults script
func ParseSignature(script []byte) string {
	match := signaturePattern.FindSubmatch(script)
	if match == nil {
		return ""
	}
	var signature string
	if err := json.Unmarshal(match[1], &signature); err != nil {
		return ""
	}
	return signature
}
