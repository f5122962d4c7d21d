package analysis

import "sync"

// sessionLocks grants exclusive pipeline execution per session id. Two
// concurrent run/resume calls for the same session would interleave
// checkpoint writes, so the second caller is rejected outright instead
// of queued.
type sessionLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{held: make(map[string]bool)}
}

// acquire reports whether the caller now owns the session's run lock.
func (l *sessionLocks) acquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return false
	}
	l.held[id] = true
	return true
}

func (l *sessionLocks) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}
