// Package circuitbreaker guards flappy RPC endpoints. Every key gets its
// own closed / open / half-open circuit, so one unhealthy chain node never
// drags polling for the other chains down with it.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// State of a single circuit.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls rejected until the cooldown passes
	StateHalfOpen              // one probe in flight, everything else rejected
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half_open",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

var stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "riddleswap",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state transitions, labelled with the endpoint key.",
}, []string{"key", "from", "to"})

// Breaker hands out per-key circuits and holds the shared tuning.
type Breaker struct {
	threshold int
	openFor   time.Duration

	mu       sync.RWMutex
	circuits map[string]*circuit
	notify   func(key string, from, to State)
}

// New creates a breaker whose circuits trip after threshold consecutive
// failures and reject calls for openFor before probing. Non-positive
// arguments fall back to 5 failures and 30 seconds.
func New(threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		openFor:   openFor,
		circuits:  make(map[string]*circuit),
	}
}

// OnTransition registers a callback fired (on its own goroutine) whenever
// any circuit changes state.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has passed moves to half-open and lets exactly one probe through.
func (b *Breaker) Allow(key string) bool {
	return b.circuitFor(key).allow()
}

// RecordSuccess clears the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.circuitFor(key).success()
}

// RecordFailure extends the failure streak. It trips a closed circuit at
// the threshold and re-opens a half-open one whose probe just failed.
func (b *Breaker) RecordFailure(key string) {
	b.circuitFor(key).failure()
}

// State reports the circuit state for key without side effects. Keys never
// seen report closed.
func (b *Breaker) State(key string) State {
	b.mu.RLock()
	c, ok := b.circuits[key]
	b.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (b *Breaker) circuitFor(key string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[key]
	b.mu.RUnlock()
	if ok {
		return c
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c
	}
	c = &circuit{owner: b, key: key}
	b.circuits[key] = c
	return c
}

// circuit is the state machine for one key. It carries its own lock so a
// trip on one chain never contends with checks for another.
type circuit struct {
	owner *Breaker
	key   string

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

func (c *circuit) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateOpen:
		if time.Since(c.openedAt) < c.owner.openFor {
			return false
		}
		c.become(StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (c *circuit) success() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	if c.state == StateHalfOpen {
		c.become(StateClosed)
	}
}

func (c *circuit) failure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	switch c.state {
	case StateHalfOpen:
		// Probe failed; restart the cooldown.
		c.openedAt = time.Now()
		c.become(StateOpen)
	case StateOpen:
		// A call that was already in flight when the circuit tripped.
		// Its failure keeps the cooldown fresh.
		c.openedAt = time.Now()
	default:
		if c.failures >= c.owner.threshold {
			c.openedAt = time.Now()
			c.become(StateOpen)
		}
	}
}

// become moves the circuit to a new state. Caller holds c.mu.
func (c *circuit) become(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	stateTransitions.WithLabelValues(c.key, from.String(), to.String()).Inc()

	c.owner.mu.RLock()
	fn := c.owner.notify
	c.owner.mu.RUnlock()
	if fn != nil {
		go fn(c.key, from, to)
	}
}
