package email

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/rpc"
	"github.com/brandon/mailsync/internal/worker"
	"github.com/brandon/mailsync/pkg/types"
)

// Options tunes the engine
type Options struct {
	Workers       int
	MessageLimit  int
	SanitizeHTML  bool
	BodyCacheSize int
	PollTimeout   time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
}

// DefaultOptions returns the engine defaults
func DefaultOptions() Options {
	return Options{
		Workers:       4,
		MessageLimit:  -1,
		BodyCacheSize: 64,
		PollTimeout:   30 * time.Second,
		RetryBase:     time.Second,
		RetryMax:      time.Second,
	}
}

// Manager is the synchronization engine. Every operation runs on the worker
// pool and reports through its callback on the dispatcher; callbacks may be
// nil.
type Manager struct {
	registry   *rpc.Registry
	store      *cache.Store
	dispatcher worker.Dispatcher
	pool       *worker.Pool
	opts       Options
	logger     *logrus.Logger

	latches   *latches
	fetched   *lru.Cache[string, *types.Message]
	sanitizer *bluemonday.Policy

	listenersMu sync.Mutex
	listeners   map[int64]*listener

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown atomic.Bool
}

// NewManager creates an engine and starts its worker pool
func NewManager(registry *rpc.Registry, store *cache.Store, dispatcher worker.Dispatcher, opts Options, logger *logrus.Logger) (*Manager, error) {
	defaults := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if opts.BodyCacheSize <= 0 {
		opts.BodyCacheSize = defaults.BodyCacheSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaults.PollTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaults.RetryBase
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = opts.RetryBase
	}

	fetched, err := lru.New[string, *types.Message](opts.BodyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create message cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:   registry,
		store:      store,
		dispatcher: dispatcher,
		pool:       worker.NewPool(opts.Workers, logger),
		opts:       opts,
		logger:     logger,
		latches:    newLatches(),
		fetched:    fetched,
		listeners:  make(map[int64]*listener),
		ctx:        ctx,
		cancel:     cancel,
	}
	if opts.SanitizeHTML {
		m.sanitizer = bluemonday.UGCPolicy()
	}
	return m, nil
}

// opFunc is the blocking body of an operation, run on a worker
type opFunc[T any] func(ctx context.Context, s *rpc.Session) (T, error)

// deliver posts fn to the presentation thread unless the engine is shutting
// down, checked both when posting and when fn comes to run
func (m *Manager) deliver(fn func()) {
	if m.shutdown.Load() {
		return
	}
	m.dispatcher.Post(func() {
		if m.shutdown.Load() {
			return
		}
		fn()
	})
}

func run[T any](m *Manager, accountID int64, op string, fn opFunc[T], done func(T, error)) {
	runGated(m, accountID, op, fn, done, nil)
}

// runGated submits fn and delivers its outcome to done. release, if set,
// runs on every exit path before the outcome is delivered.
func runGated[T any](m *Manager, accountID int64, op string, fn opFunc[T], done func(T, error), release func()) {
	finish := func(result T, err error) {
		if release != nil {
			release()
		}
		if err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"account_id": accountID,
				"op":         op,
			}).Error("Operation failed")
		}
		if done != nil {
			m.deliver(func() { done(result, err) })
		}
	}

	err := m.pool.Submit(func() {
		result, err := invoke(m, accountID, op, fn)
		finish(result, err)
	})
	if err != nil {
		var zero T
		finish(zero, ErrShutdown)
	}
}

func invoke[T any](m *Manager, accountID int64, op string, fn opFunc[T]) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: internal error: %v", op, r)
		}
	}()

	s := m.registry.Get(accountID)
	if s == nil {
		return result, rpc.ErrNotConnected
	}
	return fn(m.ctx, s)
}

// errOnly adapts an error callback to the generic result callback
func errOnly(done func(error)) func(struct{}, error) {
	if done == nil {
		return nil
	}
	return func(_ struct{}, err error) { done(err) }
}

// Connect logs the account in and records it in the cache. It blocks and is
// meant to be called from the host at startup.
func (m *Manager) Connect(ctx context.Context, acc *types.Account) error {
	if acc.ID == 0 {
		if _, err := m.store.UpsertAccount(acc); err != nil {
			return fmt.Errorf("failed to save account: %w", err)
		}
	}

	s, err := m.registry.Connect(ctx, acc.ID, rpc.Credentials{
		Server:   acc.Server,
		Username: acc.Username,
		Password: acc.Password,
		Email:    acc.Email,
	})
	if err != nil {
		return fmt.Errorf("failed to connect account %s: %w", acc.Name, err)
	}

	if acc.Email == "" {
		if id, err := s.WhoAmI(ctx); err == nil && id.Email != "" {
			acc.Email = id.Email
			if _, err := m.store.UpsertAccount(acc); err != nil {
				m.logger.WithError(err).WithField("account_id", acc.ID).Warn("Failed to save account email")
			}
		}
	}
	return nil
}

// Disconnect stops the account's listener and logs its session out
func (m *Manager) Disconnect(ctx context.Context, accountID int64) {
	m.StopChangeListener(accountID)
	m.registry.Disconnect(ctx, accountID)
}

// LastFetched returns a recently fetched message body, if still held
func (m *Manager) LastFetched(itemID string) (*types.Message, bool) {
	return m.fetched.Get(itemID)
}

// Shutdown suppresses all further callbacks, stops every listener and
// abandons queued work without waiting for tasks in flight
func (m *Manager) Shutdown() {
	if m.shutdown.Swap(true) {
		return
	}

	m.listenersMu.Lock()
	for _, l := range m.listeners {
		l.stop()
	}
	m.listenersMu.Unlock()

	m.pool.Shutdown(false)
	m.cancel()
	m.logger.Info("Sync engine shut down")
}
