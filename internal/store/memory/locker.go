// Package memory provides in-memory implementations of store interfaces.
// These are useful for testing and development without external dependencies.
package memory

import (
	"context"
	"sync"
)

// KeyLocker is an in-memory implementation of store.KeyLocker.
// Each key gets its own single-slot channel, removed once nobody holds or
// waits for it.
type KeyLocker struct {
	mu sync.Mutex

	// entries stores the lock channel and waiter count per key
	entries map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyLocker creates a new in-memory key locker.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{entries: make(map[string]*lockEntry)}
}

// Lock blocks until key is held or ctx is done.
func (l *KeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *KeyLocker) release(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Held returns the number of keys currently held or awaited.
func (l *KeyLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}
