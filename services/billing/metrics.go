package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cycleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_cycle_participants_total",
		Help: "Participants processed by the billing cycle, by outcome.",
	}, []string{"outcome"})
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "billing_cycle_duration_seconds",
		Help:    "Wall time of a full billing cycle run.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
