package round

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksProducedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aggregator_blocks_produced_total",
		Help: "Total blocks sealed by this replica while leading.",
	})
	commitmentsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aggregator_commitments_processed_total",
		Help: "Total commitments aggregated into blocks by this replica.",
	})
	roundFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aggregator_round_failures_total",
		Help: "Total block production rounds that aborted and were retried.",
	})
	roundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aggregator_round_duration_seconds",
		Help:    "Wall time of a full block production round.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	drainedCommitments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aggregator_drained_commitments",
		Help: "Commitments drained from the pending queue in the last round.",
	})
)
