package engine

import "sync"

// keyedLocks serializes all mutations to a single key. The JML engine keys by
// employee id, so HR events and ad-hoc grants for the same person contend on
// one lock: a mover concurrent with a leaver cannot interleave group-adds
// after disable. The request engine keys by request id to make the
// pending check and the terminal transition one critical section.
//
// Entries are refcounted and evicted once the last holder releases, so the
// map does not grow with the total number of keys ever seen.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*lockEntry)}
}

// lock acquires the lock for key and returns its release function.
func (l *keyedLocks) lock(key string) func() {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
