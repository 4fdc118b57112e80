package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	postingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_postings_total",
		Help: "Ledger entries appended, by transaction type.",
	}, []string{"type"})
	driftDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_balance_drift_total",
		Help: "Balances found out of step with their ledger during reconciliation.",
	})
)
