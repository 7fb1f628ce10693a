// Package confirm decides transaction finality. It asks the chain adapter
// for confirmation depth and compares it against a static per-chain minimum;
// a transport failure is reported as an error, never as "not found", so
// callers keep retrying instead of treating an outage as unconfirmed-forever.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/circuitbreaker"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/metrics"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/traces"
)

// ErrBreakerOpen is returned while a chain's RPC endpoint is quarantined.
var ErrBreakerOpen = errors.New("confirm: circuit breaker open")

// Result reports what the ledger knows about a transaction. IsFinal implies
// Found and Succeeded with at least the chain's minimum confirmations.
type Result struct {
	Found         bool
	Succeeded     bool
	Confirmations int64
	BlockHeight   int64
	IsFinal       bool
	Amount        *big.Int // delivered amount in micro-units, nil if unknown
}

// Checker queries adapters and applies per-chain confirmation minimums.
type Checker struct {
	registry *chain.Registry
	minimums map[string]int64
	breaker  *circuitbreaker.Breaker
}

// New creates a Checker. minimums maps chain keys to the confirmation count
// at which a transaction is treated as final.
func New(registry *chain.Registry, minimums map[string]int64, breaker *circuitbreaker.Breaker) *Checker {
	return &Checker{
		registry: registry,
		minimums: minimums,
		breaker:  breaker,
	}
}

// Minimum returns the confirmation threshold for a chain key.
func (c *Checker) Minimum(chainID string) (int64, bool) {
	m, ok := c.minimums[chainID]
	return m, ok
}

// Check reports the confirmation state of txHash on the given chain.
// On transport failure it returns Found=false together with a non-nil error.
func (c *Checker) Check(ctx context.Context, chainID, txHash string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "confirm.check", traces.Chain(chainID), traces.TxHash(txHash))
	defer span.End()

	min, ok := c.minimums[chainID]
	if !ok {
		return nil, fmt.Errorf("confirm: no confirmation minimum for chain %q", chainID)
	}

	adapter, err := c.registry.Get(chainID)
	if err != nil {
		return nil, err
	}

	if c.breaker != nil && !c.breaker.Allow(chainID) {
		metrics.ConfirmationChecksTotal.WithLabelValues(chainID, "breaker_open").Inc()
		return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, chainID)
	}

	status, err := adapter.GetStatus(ctx, txHash)
	if err != nil {
		if c.breaker != nil {
			c.breaker.RecordFailure(chainID)
		}
		metrics.ConfirmationChecksTotal.WithLabelValues(chainID, "error").Inc()
		return nil, fmt.Errorf("confirm: status query on %s: %w", chainID, err)
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess(chainID)
	}

	res := &Result{
		Found:         status.Found,
		Succeeded:     status.Succeeded,
		Confirmations: status.Confirmations,
		BlockHeight:   status.BlockHeight,
		Amount:        status.Amount,
	}
	res.IsFinal = status.Found && status.Succeeded && status.Confirmations >= min

	switch {
	case res.IsFinal:
		metrics.ConfirmationChecksTotal.WithLabelValues(chainID, "final").Inc()
	case res.Found:
		metrics.ConfirmationChecksTotal.WithLabelValues(chainID, "pending").Inc()
	default:
		metrics.ConfirmationChecksTotal.WithLabelValues(chainID, "not_found").Inc()
	}

	return res, nil
}
