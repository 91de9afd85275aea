// Package metrics defines the Prometheus collectors of the sync core.
//
// Collectors are registered with the Registerer passed to the constructor.
// A nil Registerer creates working but unregistered collectors, which is
// what tests and embedded uses want.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "feedsync"

// Queue holds the write queue metrics.
type Queue struct {
	// Enqueued counts enqueue calls by outcome (enqueued, duplicate,
	// superseded, dropped).
	Enqueued *prometheus.CounterVec

	// Deliveries counts delivery attempts by result (acked, retry, failed).
	Deliveries *prometheus.CounterVec

	// DeliverySeconds measures remote submit latency.
	DeliverySeconds prometheus.Histogram

	// Pending, InFlight and Failed track queue membership.
	Pending  prometheus.Gauge
	InFlight prometheus.Gauge
	Failed   prometheus.Gauge
}

// NewQueue creates the write queue collectors.
func NewQueue(reg prometheus.Registerer) *Queue {
	factory := promauto.With(reg)
	return &Queue{
		Enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "write_queue",
			Name:      "enqueue_total",
			Help:      "Enqueue calls by outcome",
		}, []string{"outcome"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "write_queue",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by result",
		}, []string{"result", "kind"}),
		DeliverySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "write_queue",
			Name:      "delivery_duration_seconds",
			Help:      "Remote submit latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "write_queue",
			Name:      "pending",
			Help:      "Entries waiting for delivery",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "write_queue",
			Name:      "in_flight",
			Help:      "Entries currently being delivered",
		}),
		Failed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "write_queue",
			Name:      "failed",
			Help:      "Entries that failed terminally and await retry or dismissal",
		}),
	}
}

// Tiling holds the tiling engine metrics for one feed.
type Tiling struct {
	// Fetches counts page fetches by source (local, remote) and result.
	Fetches *prometheus.CounterVec

	// FetchSeconds measures page fetch latency by source.
	FetchSeconds *prometheus.HistogramVec

	// Coalesced counts LoadAround calls joined to an outstanding fetch.
	Coalesced prometheus.Counter

	// Discarded counts remote pages dropped because they left the window.
	Discarded prometheus.Counter

	// Merges counts tile merges by outcome (replaced, inserted, stale).
	Merges *prometheus.CounterVec

	// Items and Tiles describe the current list.
	Items prometheus.Gauge
	Tiles prometheus.Gauge
}

// NewTiling creates the tiling collectors labelled with feed.
func NewTiling(reg prometheus.Registerer, feed string) *Tiling {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"feed": feed}
	return &Tiling{
		Fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "tiling",
			Name:        "fetches_total",
			Help:        "Page fetches by source and result",
			ConstLabels: labels,
		}, []string{"source", "result"}),
		FetchSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "tiling",
			Name:        "fetch_duration_seconds",
			Help:        "Page fetch latency by source",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"source"}),
		Coalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "tiling",
			Name:        "coalesced_total",
			Help:        "Load requests joined to an outstanding fetch",
			ConstLabels: labels,
		}),
		Discarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "tiling",
			Name:        "discarded_total",
			Help:        "Remote pages discarded after leaving the prefetch window",
			ConstLabels: labels,
		}),
		Merges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "tiling",
			Name:        "merges_total",
			Help:        "Tile merges by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		Items: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "tiling",
			Name:        "items",
			Help:        "Distinct items in the list",
			ConstLabels: labels,
		}),
		Tiles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "tiling",
			Name:        "tiles",
			Help:        "Tiles in the list",
			ConstLabels: labels,
		}),
	}
}
