package engine

import "sync"

// sessionLocks serializes tasks per session. Acquire chains onto the
// session's current tail, so waiters run in FIFO order.
type sessionLocks struct {
	mu     sync.Mutex
	tails  map[string]chan struct{}
	counts map[string]int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{
		tails:  make(map[string]chan struct{}),
		counts: make(map[string]int),
	}
}

// enqueue registers the caller at the tail of the session's chain and
// returns a wait function that blocks until every earlier holder released,
// plus the release function. Registration is synchronous so the position in
// the FIFO is fixed at call time. Release must be called exactly once.
func (l *sessionLocks) enqueue(sessionID string) (wait func(), release func()) {
	l.mu.Lock()
	prev := l.tails[sessionID]
	next := make(chan struct{})
	l.tails[sessionID] = next
	l.counts[sessionID]++
	l.mu.Unlock()

	wait = func() {
		if prev != nil {
			<-prev
		}
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			close(next)
			l.mu.Lock()
			l.counts[sessionID]--
			if l.counts[sessionID] == 0 {
				delete(l.tails, sessionID)
				delete(l.counts, sessionID)
			}
			l.mu.Unlock()
		})
	}
	return wait, release
}

// depth returns how many tasks currently hold or await the session lock.
func (l *sessionLocks) depth(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[sessionID]
}
