package email

import "sync"

type latchKind int

const (
	latchFolderSync latchKind = iota
	latchMessageSync
)

type latchKey struct {
	kind    latchKind
	account int64
}

// latches is the per-account in-progress table
type latches struct {
	mu   sync.Mutex
	held map[latchKey]bool
}

func newLatches() *latches {
	return &latches{held: make(map[latchKey]bool)}
}

// acquire sets the latch unless it is already held
func (l *latches) acquire(key latchKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false
	}
	l.held[key] = true
	return true
}

func (l *latches) release(key latchKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

func (l *latches) isHeld(key latchKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}
