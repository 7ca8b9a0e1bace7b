package cart

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MutationsTotal counts state replacements by operation.
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cart_mutations_total",
			Help: "Total number of cart state replacements",
		},
		[]string{"operation"},
	)

	// PersistWritesTotal counts write-behind attempts by result (ok, error).
	PersistWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cart_persist_writes_total",
			Help: "Total number of cart persistence writes",
		},
		[]string{"result"},
	)

	// PersistDuration observes how long each persistence write takes.
	PersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cart_persist_duration_seconds",
			Help:    "Duration of cart persistence writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Items tracks the number of units currently in the cart.
	Items = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cart_items",
			Help: "Number of units currently in the cart",
		},
	)

	// Subscribers tracks the number of live state subscribers.
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cart_subscribers",
			Help: "Number of active cart state subscribers",
		},
	)
)
