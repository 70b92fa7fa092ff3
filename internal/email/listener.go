package email

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/rpc"
	"github.com/brandon/mailsync/pkg/types"
)

// pollSlack is the client-side allowance on top of the server-side wait
const pollSlack = 30 * time.Second

// ListenerState is the lifecycle state of an account's change listener
type ListenerState int32

const (
	ListenerStopped ListenerState = iota
	ListenerStarting
	ListenerListening
	ListenerPaused
)

func (s ListenerState) String() string {
	switch s {
	case ListenerStarting:
		return "starting"
	case ListenerListening:
		return "listening"
	case ListenerPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// ChangeHandler receives the raw change list of one long-poll, on the
// presentation thread
type ChangeHandler func(accountID int64, changes []types.Change)

type listener struct {
	accountID int64
	state     atomic.Int32
	failures  atomic.Int64
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}

	// prev is closed once the listener this one replaced has exited
	prev <-chan struct{}
}

func newListener(accountID int64) *listener {
	l := &listener{
		accountID: accountID,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	l.state.Store(int32(ListenerStarting))
	return l
}

func (l *listener) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *listener) stopping() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *listener) setState(s ListenerState) {
	l.state.Store(int32(s))
}

// StartChangeListener starts the account's change long-poll loop on its own
// goroutine. It returns false if a listener is already running. A listener
// that was stopped but still has a long-poll in flight is replaced; the new
// loop does not poll until the old one has exited.
func (m *Manager) StartChangeListener(accountID int64, handler ChangeHandler) bool {
	if m.shutdown.Load() {
		return false
	}

	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	old, ok := m.listeners[accountID]
	if ok && !old.stopping() {
		return false
	}

	l := newListener(accountID)
	if ok {
		l.prev = old.done
	}
	m.listeners[accountID] = l
	go m.listen(l, handler)

	m.logger.WithField("account_id", accountID).Info("Change listener started")
	return true
}

// StopChangeListener asks the account's listener to stop. A long-poll in
// flight is left to finish; the loop exits when it returns.
func (m *Manager) StopChangeListener(accountID int64) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	if l, ok := m.listeners[accountID]; ok {
		l.stop()
	}
}

// ListenerState reports the account's listener state
func (m *Manager) ListenerState(accountID int64) ListenerState {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	l, ok := m.listeners[accountID]
	if !ok {
		return ListenerStopped
	}
	return ListenerState(l.state.Load())
}

// ListenerFailures returns the consecutive failed calls of the account's listener
func (m *Manager) ListenerFailures(accountID int64) int64 {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	if l, ok := m.listeners[accountID]; ok {
		return l.failures.Load()
	}
	return 0
}

// newBackoff returns the pause schedule after failed calls: a flat
// RetryBase, or doubling up to RetryMax when that is larger
func (m *Manager) newBackoff() retry.Backoff {
	if m.opts.RetryMax <= m.opts.RetryBase {
		return retry.NewConstant(m.opts.RetryBase)
	}
	return retry.WithCappedDuration(m.opts.RetryMax, retry.NewExponential(m.opts.RetryBase))
}

func (m *Manager) listen(l *listener, handler ChangeHandler) {
	log := m.logger.WithField("account_id", l.accountID)
	defer m.finishListener(l, log)

	if l.prev != nil {
		select {
		case <-l.prev:
		case <-l.stopCh:
			return
		case <-m.ctx.Done():
			return
		}
	}

	backoff := m.newBackoff()
	syncKey := ""
	started := false

	for !l.stopping() && !m.shutdown.Load() {
		s := m.registry.Get(l.accountID)
		if s == nil {
			log.Info("Account disconnected, stopping change listener")
			return
		}

		if !started {
			l.setState(ListenerStarting)
			key, err := m.fetchSyncKey(s)
			if err != nil {
				if !m.pause(l, backoff, err, log) {
					return
				}
				continue
			}
			syncKey, started = key, true
			l.setState(ListenerListening)
			l.failures.Store(0)
			backoff = m.newBackoff()
			continue
		}

		res, err := m.pollChanges(s, syncKey)
		if err != nil {
			if !m.pause(l, backoff, err, log) {
				return
			}
			continue
		}
		if l.failures.Swap(0) > 0 {
			backoff = m.newBackoff()
		}
		l.setState(ListenerListening)

		if res.SyncKey != "" {
			syncKey = res.SyncKey
		}
		if len(res.List) > 0 && handler != nil {
			changes := res.List
			log.WithField("count", len(changes)).Debug("Mailbox changed")
			m.deliver(func() { handler(l.accountID, changes) })
		}
	}
}

func (m *Manager) finishListener(l *listener, log *logrus.Entry) {
	l.setState(ListenerStopped)

	m.listenersMu.Lock()
	if m.listeners[l.accountID] == l {
		delete(m.listeners, l.accountID)
	}
	m.listenersMu.Unlock()

	close(l.done)
	log.Info("Change listener stopped")
}

func (m *Manager) fetchSyncKey(s *rpc.Session) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pollSlack)
	defer cancel()

	var res syncKeyResult
	if err := s.Call(ctx, "Changes.getSyncKey", nil, &res); err != nil {
		return "", err
	}
	return res.SyncKey, nil
}

// pollChanges issues one long-poll. It is not tied to the engine context so
// that a stop never cuts a call short.
func (m *Manager) pollChanges(s *rpc.Session, syncKey string) (*changesResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.PollTimeout+pollSlack)
	defer cancel()

	wait := int(m.opts.PollTimeout / time.Second)
	if wait < 1 {
		wait = 1
	}

	var res changesResult
	if err := s.Call(ctx, "Changes.get", changesParams{LastSyncKey: syncKey, Timeout: wait}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// pause waits out the next backoff interval after a failed call. It returns
// false if the listener was stopped meanwhile.
func (m *Manager) pause(l *listener, backoff retry.Backoff, err error, log *logrus.Entry) bool {
	if l.stopping() || m.shutdown.Load() {
		return false
	}

	previous := ListenerState(l.state.Load())
	l.setState(ListenerPaused)
	failures := l.failures.Add(1)

	wait, _ := backoff.Next()
	log.WithError(err).WithFields(logrus.Fields{
		"failures": failures,
		"retry_in": wait.String(),
	}).Warn("Change poll failed")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-l.stopCh:
		return false
	case <-m.ctx.Done():
		return false
	case <-timer.C:
	}

	if previous == ListenerPaused {
		previous = ListenerListening
	}
	l.setState(previous)
	return true
}

// ChangeAffectsFolder reports whether any change touches folderID: a message
// change whose parent is the folder, or a change to the folder itself
func ChangeAffectsFolder(changes []types.Change, folderID string) bool {
	if folderID == "" {
		return false
	}
	for _, c := range changes {
		if c.ParentID == folderID || (c.IsFolder && c.ItemID == folderID) {
			return true
		}
	}
	return false
}
