package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/syncutil"
)

// Registry maps chain family keys to adapters. Registration happens once at
// startup; lookups are read-only afterward.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its ID, replacing any previous entry.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter for a chain key, or ErrUnknownChain.
func (r *Registry) Get(chainID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}
	return a, nil
}

// IDs returns the registered chain keys in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AccountLock serializes broker submissions per custodial account. Adapters
// acquire it around every signed submission so sequence numbers and nonces
// never race between concurrent escrows.
type AccountLock struct {
	locks syncutil.KeyedMutex
}

// Acquire takes the lock for an account, respecting context cancellation.
// The returned unlock function must be called exactly once.
func (l *AccountLock) Acquire(ctx context.Context, account string) (func(), error) {
	return l.locks.LockContext(ctx, account)
}
