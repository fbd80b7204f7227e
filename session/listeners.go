package session

import "sync"

// listenerSet is an append-only ordered set with snapshot iteration
// (spec.md §9 design note): registering never blocks firing, and firing
// always sees a consistent point-in-time copy even if a callback
// registers another listener.
type listenerSet struct {
	mu    sync.Mutex
	items []func(*Session)
}

func (l *listenerSet) add(cb func(*Session)) {
	l.mu.Lock()
	l.items = append(l.items, cb)
	l.mu.Unlock()
}

func (l *listenerSet) fire(s *Session) {
	l.mu.Lock()
	snapshot := make([]func(*Session), len(l.items))
	copy(snapshot, l.items)
	l.mu.Unlock()
	for _, cb := range snapshot {
		cb(s)
	}
}
