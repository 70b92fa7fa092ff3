package rpc

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry owns the live sessions keyed by account id.
// At most one session exists per account.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	locks    map[int64]*sync.Mutex
	opts     []Option
	logger   *logrus.Logger
}

// NewRegistry creates an empty registry; opts are applied to every new session
func NewRegistry(logger *logrus.Logger, opts ...Option) *Registry {
	return &Registry{
		sessions: make(map[int64]*Session),
		locks:    make(map[int64]*sync.Mutex),
		opts:     append([]Option{WithLogger(logger)}, opts...),
		logger:   logger,
	}
}

func (r *Registry) accountLock(accountID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[accountID] = lock
	}
	return lock
}

// Connect returns the account's session, logging in a new one if none exists.
// Concurrent calls for one account perform a single login.
func (r *Registry) Connect(ctx context.Context, accountID int64, creds Credentials) (*Session, error) {
	lock := r.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if s := r.Get(accountID); s != nil {
		return s, nil
	}

	s := NewSession(creds, r.opts...)
	if err := s.Login(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[accountID] = s
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"session_id": s.ID(),
	}).Info("Session registered")
	return s, nil
}

// Get returns the account's session or nil; it never connects
func (r *Registry) Get(accountID int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[accountID]
}

// Accounts returns the ids of all connected accounts
func (r *Registry) Accounts() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Disconnect removes and logs out one session. No-op when absent.
func (r *Registry) Disconnect(ctx context.Context, accountID int64) {
	r.mu.Lock()
	s, ok := r.sessions[accountID]
	delete(r.sessions, accountID)
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Logout(ctx)
	r.logger.WithField("account_id", accountID).Info("Session disconnected")
}

// DisconnectAll logs out every session
func (r *Registry) DisconnectAll(ctx context.Context) {
	for _, s := range r.drain() {
		s.Logout(ctx)
	}
}

// CloseAll drops every session without a logout round-trip
func (r *Registry) CloseAll() {
	for _, s := range r.drain() {
		s.Close()
	}
}

func (r *Registry) drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	return sessions
}
