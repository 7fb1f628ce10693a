// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serializes callers per key while letting waiters abandon the
// wait when their context ends. Keys are exact: locking one broker account
// never contends with another. The zero value is ready to use.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// lockEntry is one key's gate plus the number of holders and waiters still
// referencing it. Entries are created on first use and dropped when refs
// hits zero, so the map stays as small as the set of keys in flight.
type lockEntry struct {
	gate chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// LockContext acquires the lock for key, or gives up when ctx ends. On
// success the returned release function must be called exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[string]*lockEntry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &lockEntry{gate: make(chan struct{}, 1)}
		e.gate <- struct{}{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case <-e.gate:
		return func() {
			e.gate <- struct{}{}
			m.unref(key, e)
		}, nil
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) unref(key string, e *lockEntry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}
