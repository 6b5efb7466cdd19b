package partition

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for partitioning runs.
var (
	partitionFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_partition_fetches_total",
		Help: "Total range fetches by outcome (leaf, split, overflow, failed)",
	}, []string{"outcome"})

	partitionOverflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_partition_overflows_total",
		Help: "Ranges accepted over cap by reason",
	}, []string{"reason"})

	partitionLeafDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_partition_leaf_depth",
		Help:    "Bisection depth at which leaves were reached",
		Buckets: prometheus.LinearBuckets(0, 4, 17),
	})

	partitionInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_partition_inflight_fetches",
		Help: "Range fetches currently in flight",
	})

	partitionRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_partition_run_duration_seconds",
		Help:    "Duration of complete FetchAll runs",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	})

	partitionItemsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_partition_items_total",
		Help: "Items accepted from leaf ranges",
	})
)

const (
	outcomeLeaf     = "leaf"
	outcomeSplit    = "split"
	outcomeOverflow = "overflow"
	outcomeFailed   = "failed"
)
