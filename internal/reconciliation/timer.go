package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultInterval is how often custody is re-checked in the background.
const defaultInterval = 5 * time.Minute

// Timer re-runs custody reconciliation in the background and raises the
// alarm when a chain drifts.
type Timer struct {
	svc    *Service
	logger *slog.Logger
	every  time.Duration

	haltOnce sync.Once
	halted   chan struct{}
	running  atomic.Bool
}

// NewTimer wraps the service in a periodic runner.
func NewTimer(svc *Service, logger *slog.Logger) *Timer {
	return &Timer{
		svc:    svc,
		logger: logger,
		every:  defaultInterval,
		halted: make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool { return t.running.Load() }

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.haltOnce.Do(func() { close(t.halted) })
}

// Start checks custody once right away, then once per interval. Call in a
// goroutine; it returns when ctx is cancelled or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.check(ctx)

	tick := time.NewTicker(t.every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.halted:
			return
		case <-tick.C:
			t.check(ctx)
		}
	}
}

// check runs one reconciliation pass. A panic in a chain adapter must not
// kill the loop.
func (t *Timer) check(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation panicked", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.svc.ReconcileCustody(ctx)
	if err != nil {
		t.logger.Warn("custody sweep failed", "error", err)
		return
	}
	t.alert(report)
}

// alert logs every chain that failed its custody check.
func (t *Timer) alert(report *Report) {
	if report.Healthy {
		return
	}
	for _, cr := range report.Chains {
		switch {
		case cr.Error != "":
			t.logger.Warn("custody check failed", "chain", cr.Chain, "error", cr.Error)
		case !cr.Match:
			t.logger.Error("custody shortfall detected",
				"chain", cr.Chain,
				"broker_balance", cr.BrokerBalance,
				"held_total", cr.HeldTotal,
				"diff", cr.Diff,
			)
		}
	}
}
