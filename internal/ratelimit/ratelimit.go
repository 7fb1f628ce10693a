// Package ratelimit provides per-IP request throttling for the API.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config tunes the limiter.
type Config struct {
	// RequestsPerMinute is the steady-state rate each client refills at.
	RequestsPerMinute int
	// BurstSize is how many requests a client may fire ahead of the
	// steady rate.
	BurstSize int
	// CleanupInterval is how often fully drained clients are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig allows one request per second with tenfold bursts.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter throttles clients with per-key virtual scheduling: each key
// stores the time its next request is "due". A request arriving more than
// one burst ahead of its due time is rejected. Integer time arithmetic,
// no token floats to drift.
type Limiter struct {
	interval  time.Duration // spacing between requests at the steady rate
	tolerance time.Duration // how far ahead of schedule a client may run
	now       func() time.Time

	mu   sync.Mutex
	due  map[string]time.Time
	stop chan struct{}
}

// New creates a limiter and starts its cleanup loop. Call Stop when done.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	interval := time.Minute / time.Duration(cfg.RequestsPerMinute)
	l := &Limiter{
		interval:  interval,
		tolerance: time.Duration(cfg.BurstSize-1) * interval,
		now:       time.Now,
		due:       make(map[string]time.Time),
		stop:      make(chan struct{}),
	}
	go l.sweep(cfg.CleanupInterval)
	return l
}

// Stop ends the cleanup loop.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweepOnce()
		case <-l.stop:
			return
		}
	}
}

// sweepOnce drops keys whose schedule has fully drained; they are
// indistinguishable from clients never seen.
func (l *Limiter) sweepOnce() {
	now := l.now()
	l.mu.Lock()
	for key, due := range l.due {
		if !due.After(now) {
			delete(l.due, key)
		}
	}
	l.mu.Unlock()
}

// Allow reports whether a request from key may proceed.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key)
	return ok
}

// take admits or rejects one request. On rejection it reports how long the
// client must wait before a request would be admitted.
func (l *Limiter) take(key string) (bool, time.Duration) {
	t := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	due := l.due[key]
	if due.Before(t) {
		due = t
	}
	if ahead := due.Sub(t); ahead > l.tolerance {
		return false, ahead - l.tolerance
	}
	l.due[key] = due.Add(l.interval)
	return true, 0
}

// Middleware throttles by client IP, answering over-limit requests with
// 429 and a Retry-After hint.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.take(c.ClientIP())
		if !ok {
			seconds := int((wait + time.Second - 1) / time.Second) // round up
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Request rate over the limit for this client",
				"retry_after": seconds,
			})
			return
		}
		c.Next()
	}
}
