package worker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool is shut down")

// Pool runs submitted tasks on a fixed number of goroutines.
// Submit never blocks; tasks queue until a worker is free.
type Pool struct {
	queue  *queue
	wg     sync.WaitGroup
	logger *logrus.Logger
}

// NewPool starts a pool with size workers
func NewPool(size int, logger *logrus.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		queue:  newQueue(),
		logger: logger,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	return p
}

func (p *Pool) work(n int) {
	defer p.wg.Done()
	for {
		task, ok := p.queue.pop()
		if !ok {
			return
		}
		p.run(n, task)
	}
}

func (p *Pool) run(n int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"worker": n,
				"panic":  fmt.Sprint(r),
			}).Error("Worker task panicked")
		}
	}()
	task()
}

// Submit queues a task
func (p *Pool) Submit(task func()) error {
	if !p.queue.push(task) {
		return ErrPoolClosed
	}
	return nil
}

// Shutdown stops accepting tasks and discards queued ones. In-flight tasks
// keep running; with wait set, Shutdown returns after they finish.
func (p *Pool) Shutdown(wait bool) {
	p.queue.close(true)
	if wait {
		p.wg.Wait()
	}
}
