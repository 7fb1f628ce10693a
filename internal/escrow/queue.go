package escrow

import (
	"sync"
	"time"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/metrics"
)

// Scheduler re-arms escrow evaluation. Satisfied by *Queue.
type Scheduler interface {
	Schedule(id string, at time.Time)
	Remove(id string)
}

// Queue is the engine's work queue: one due time per escrow. Schedule keeps
// the earliest requested time, so an immediate nudge from the service is
// never pushed back by the poller's interval re-arm racing it.
type Queue struct {
	mu  sync.Mutex
	due map[string]time.Time
}

// NewQueue creates an empty work queue.
func NewQueue() *Queue {
	return &Queue{due: make(map[string]time.Time)}
}

// Schedule arms (or re-arms) evaluation of an escrow at the given time.
func (q *Queue) Schedule(id string, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.due[id]; ok && cur.Before(at) {
		return
	}
	q.due[id] = at
	metrics.QueueDepth.Set(float64(len(q.due)))
}

// Remove drops an escrow from the queue.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.due, id)
	metrics.QueueDepth.Set(float64(len(q.due)))
}

// Due pops and returns every escrow whose time has come.
func (q *Queue) Due(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for id, at := range q.due {
		if !at.After(now) {
			ids = append(ids, id)
			delete(q.due, id)
		}
	}
	metrics.QueueDepth.Set(float64(len(q.due)))
	return ids
}

// Len reports how many escrows are scheduled.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.due)
}

var _ Scheduler = (*Queue)(nil)
