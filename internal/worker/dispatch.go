package worker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Dispatcher runs functions on the host's presentation thread.
// Post must be safe to call from any goroutine.
type Dispatcher interface {
	Post(fn func())
}

// Loop is a single-goroutine event loop implementing Dispatcher.
// Posted functions run one at a time in posting order.
type Loop struct {
	queue  *queue
	logger *logrus.Logger
}

// NewLoop creates a loop; nothing runs until Run is called
func NewLoop(logger *logrus.Logger) *Loop {
	return &Loop{
		queue:  newQueue(),
		logger: logger,
	}
}

// Post queues fn. Functions posted after Stop are dropped.
func (l *Loop) Post(fn func()) {
	if !l.queue.push(fn) {
		l.logger.Debug("Dropped dispatch after loop stop")
	}
}

// Run executes posted functions on the calling goroutine until ctx is done
// or Stop is called; functions already queued at that point still run.
func (l *Loop) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, l.Stop)
	defer stop()

	for {
		fn, ok := l.queue.pop()
		if !ok {
			return
		}
		l.call(fn)
	}
}

func (l *Loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", fmt.Sprint(r)).Error("Dispatched function panicked")
		}
	}()
	fn()
}

// Stop makes Run return once the queue drains
func (l *Loop) Stop() {
	l.queue.close(false)
}
