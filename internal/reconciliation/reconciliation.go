// Package reconciliation compares on-chain broker balances against the
// custody totals implied by open escrows.
package reconciliation

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/money"
)

// HeldSummer reports funds the broker should currently be holding, keyed by
// payment chain. The escrow store satisfies this.
type HeldSummer interface {
	SumHeldByChain(ctx context.Context) (map[string]*big.Int, error)
}

// BalanceReader reads one account's spendable balance on a ledger.
// chain.Adapter satisfies this.
type BalanceReader interface {
	Balance(ctx context.Context, account string) (*big.Int, error)
}

// Custodian names one broker account to reconcile.
type Custodian struct {
	Reader  BalanceReader
	Account string
}

// ChainResult holds the outcome for one chain.
type ChainResult struct {
	Chain         string `json:"chain"`
	Match         bool   `json:"match"`
	BrokerBalance string `json:"brokerBalance"`
	HeldTotal     string `json:"heldTotal"`
	Diff          string `json:"diff"` // balance minus held; negative is a shortfall
	Error         string `json:"error,omitempty"`
}

// Report is one full custody reconciliation run.
type Report struct {
	Healthy bool          `json:"healthy"`
	Chains  []ChainResult `json:"chains"`
}

// Service performs custody reconciliation across every configured chain.
type Service struct {
	summer         HeldSummer
	custodians     map[string]Custodian
	alertThreshold *big.Int // in money units; default 1.000000
}

// NewService creates a reconciliation service over the given broker accounts.
func NewService(summer HeldSummer, custodians map[string]Custodian) *Service {
	return &Service{
		summer:         summer,
		custodians:     custodians,
		alertThreshold: money.MustParse("1.000000"),
	}
}

// SetAlertThreshold sets the shortfall above which a chain is flagged.
func (s *Service) SetAlertThreshold(amount string) {
	if t, ok := money.Parse(amount); ok {
		s.alertThreshold = t
	}
}

// ReconcileCustody sums confirmed-but-unreleased escrow funds per chain and
// checks each broker account covers its share. Surplus is expected (accrued
// fees, operational float); only a shortfall beyond the threshold is flagged.
func (s *Service) ReconcileCustody(ctx context.Context) (*Report, error) {
	timer := prometheus.NewTimer(reconcileDuration)
	defer timer.ObserveDuration()

	held, err := s.summer.SumHeldByChain(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to sum held escrow funds: %w", err)
	}

	chains := make([]string, 0, len(s.custodians))
	for id := range s.custodians {
		chains = append(chains, id)
	}
	sort.Strings(chains)

	report := &Report{Healthy: true}
	mismatched := 0

	for _, id := range chains {
		cust := s.custodians[id]
		heldTotal := held[id]
		if heldTotal == nil {
			heldTotal = big.NewInt(0)
		}

		balance, err := cust.Reader.Balance(ctx, cust.Account)
		if err != nil {
			reconcileErrors.Inc()
			report.Healthy = false
			report.Chains = append(report.Chains, ChainResult{
				Chain:     id,
				HeldTotal: money.Format(heldTotal),
				Error:     err.Error(),
			})
			continue
		}

		diff := new(big.Int).Sub(balance, heldTotal)
		shortfall := new(big.Int).Neg(diff)
		match := shortfall.Cmp(s.alertThreshold) <= 0
		if !match {
			mismatched++
			report.Healthy = false
		}

		custodyDiff.WithLabelValues(id).Set(toDisplayUnits(diff))
		report.Chains = append(report.Chains, ChainResult{
			Chain:         id,
			Match:         match,
			BrokerBalance: money.Format(balance),
			HeldTotal:     money.Format(heldTotal),
			Diff:          money.Format(diff),
		})
	}

	mismatchedChains.Set(float64(mismatched))
	return report, nil
}

// toDisplayUnits converts money units to a float for gauges. Precision loss
// is fine here; the report carries the exact strings.
func toDisplayUnits(amount *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), big.NewFloat(1e6)).Float64()
	return f
}
