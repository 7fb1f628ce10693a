package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/retry"
)

const (
	// drainTick is how often the poller looks at the queue for due work.
	drainTick = time.Second

	// defaultWorkers bounds concurrent Advance calls per drain.
	defaultWorkers = 8

	// maxBackoff caps the re-arm delay after repeated recoverable failures.
	maxBackoff = 10 * time.Minute
)

// Poller drains the work queue through a bounded worker pool, advancing
// every due escrow. Records still waiting on the outside world re-arm at
// the poll interval; records whose advance failed back off exponentially
// with jitter; terminal records leave the queue.
type Poller struct {
	service  *Service
	queue    *Queue
	interval time.Duration
	workers  int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	attempts sync.Map // escrow id -> consecutive failures
}

// NewPoller creates a poller draining queue into service.Advance.
func NewPoller(service *Service, queue *Queue, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		service:  service,
		queue:    queue,
		interval: interval,
		workers:  defaultWorkers,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the drain loop is active.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Start runs the drain loop until ctx is cancelled or Stop is called.
// Call it in a goroutine.
func (p *Poller) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	// Crash recovery: every in-flight record goes back on the queue first.
	if n, err := p.service.ResumeAll(ctx); err != nil {
		p.logger.Error("failed to resume in-flight escrows", "error", err)
	} else if n > 0 {
		p.logger.Info("resumed in-flight escrows", "count", n)
	}

	ticker := time.NewTicker(drainTick)
	defer ticker.Stop()

	p.logger.Info("escrow poller started", "interval", p.interval, "workers", p.workers)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// Stop signals the drain loop to exit.
func (p *Poller) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

// drain advances every due escrow, at most workers at a time.
func (p *Poller) drain(ctx context.Context) {
	ids := p.queue.Due(time.Now())
	if len(ids) == 0 {
		return
	}

	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			p.process(ctx, id)
		}(id)
	}
	wg.Wait()
}

// process runs one Advance and re-arms the escrow by outcome. manual_review
// records are not re-armed; the operator's Resolve puts them back.
func (p *Poller) process(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic advancing escrow", "escrowId", id, "panic", fmt.Sprint(r))
			p.queue.Schedule(id, time.Now().Add(p.interval))
		}
	}()

	rec, err := p.service.Advance(ctx, id)
	switch {
	case err == nil:
		p.attempts.Delete(id)
		if rec != nil && !rec.IsTerminal() && rec.Status != StatusManualReview {
			p.queue.Schedule(id, time.Now().Add(p.interval))
		}
	case errors.Is(err, ErrNotFound):
		p.attempts.Delete(id)
	default:
		attempt := p.bump(id)
		delay := backoff(p.interval, attempt)
		p.logger.Warn("escrow advance failed",
			"escrowId", id, "attempt", attempt, "retryIn", delay, "error", err)
		p.queue.Schedule(id, time.Now().Add(retry.Jittered(delay)))
	}
}

func (p *Poller) bump(id string) int {
	v, _ := p.attempts.LoadOrStore(id, new(atomic.Int64))
	return int(v.(*atomic.Int64).Add(1))
}

// backoff doubles the base delay per consecutive failure, capped at
// maxBackoff.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
