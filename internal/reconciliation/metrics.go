package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges are overwritten on every sweep, so a scrape always reflects the
// latest custody picture.
var (
	mismatchedChains = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "riddleswap",
		Subsystem: "reconciliation",
		Name:      "mismatched_chains",
		Help:      "Number of chains with a custody shortfall in the last run.",
	})

	custodyDiff = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "riddleswap",
		Subsystem: "reconciliation",
		Name:      "custody_diff",
		Help:      "Broker balance minus held escrow total per chain, in display units.",
	}, []string{"chain"})

	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "riddleswap",
		Subsystem: "reconciliation",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of one full custody sweep.",
		Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 15, 30, 60},
	})

	reconcileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "riddleswap",
		Subsystem: "reconciliation",
		Name:      "sweep_errors_total",
		Help:      "Custody sweeps or per-chain checks that ended in an error.",
	})
)
