// Package health probes named subsystems for the health endpoint.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of a single subsystem probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. Probes that talk to the network should
// honor ctx; CheckAll passes the caller's deadline through.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and probes them on demand.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	probes map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Checker)}
}

// Register adds a checker under name. Registering the same name again
// replaces the checker but keeps its original position in CheckAll output.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.probes[name]; !exists {
		r.order = append(r.order, name)
	}
	r.probes[name] = check
}

// CheckAll probes every subsystem concurrently and reports the aggregate
// plus per-subsystem results in registration order. Chain probes each cost
// a round trip to a node, so running them serially would eat most of the
// handler's deadline. The registry fills in Status.Name for checkers that
// leave it empty.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	probes := make([]Checker, len(names))
	for i, name := range names {
		probes[i] = r.probes[name]
	}
	r.mu.RUnlock()

	statuses := make([]Status, len(names))
	var wg sync.WaitGroup
	for i := range probes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := probes[i](ctx)
			if st.Name == "" {
				st.Name = names[i]
			}
			statuses[i] = st
		}(i)
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
