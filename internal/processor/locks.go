package processor

import (
	"path/filepath"
	"sync"
)

// pathLocks serializes writers of the same audio file; distinct paths do not block each other.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until path is free and returns the matching unlock.
func (l *pathLocks) lock(path string) func() {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}

	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*pathLock)
	}
	pl, ok := l.locks[key]
	if !ok {
		pl = &pathLock{}
		l.locks[key] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
