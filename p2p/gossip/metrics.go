package gossip

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation for one Engine instance.
// Modeled on the compute module's promauto/CounterVec pattern: a single
// registration call per process, everything else a cheap label increment.
type Metrics struct {
	ItemsIngested     prometheus.Counter
	ItemsForwarded    *prometheus.CounterVec
	ResponsesReceived *prometheus.CounterVec
	TimeoutsFired     *prometheus.CounterVec
	HolderErrors      *prometheus.CounterVec
	ItemsSaturated    prometheus.Counter
	ItemsPaused       *prometheus.CounterVec

	tableSizeFn atomic.Value // func() float64
}

var (
	registerOnce sync.Once
	sharedMetric *Metrics
)

// NewMetrics registers (once per process, promauto-style) and returns the
// gossip engine's metric set. tableSize is polled lazily by the registry
// scraper via a GaugeFunc so the engine never has to push updates itself.
func NewMetrics(namespace string, tableSize func() float64) *Metrics {
	registerOnce.Do(func() {
		sharedMetric = &Metrics{
			ItemsIngested: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gossip",
				Name:      "items_ingested_total",
				Help:      "Total items submitted through local ingress (ItemReceived).",
			}),
			ItemsForwarded: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gossip",
				Name:      "items_forwarded_total",
				Help:      "Total peers an item was forwarded to, by outcome.",
			}, []string{"outcome"}),
			ResponsesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gossip",
				Name:      "responses_received_total",
				Help:      "GossipResponse messages received, by is_already_held.",
			}, []string{"already_held"}),
			TimeoutsFired: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gossip",
				Name:      "timeouts_fired_total",
				Help:      "Deadlines that fired, by kind.",
			}, []string{"kind"}),
			HolderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gossip",
				Name:      "holder_errors_total",
				Help:      "Holder Put/Get failures, by operation.",
			}, []string{"op"}),
			ItemsSaturated: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gossip",
				Name:      "items_saturated_total",
				Help:      "Items that reached infection_target and stopped forwarding.",
			}),
			ItemsPaused: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gossip",
				Name:      "items_paused_total",
				Help:      "Items that transitioned to Paused, by reason.",
			}, []string{"reason"}),
		}
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "table_entries",
			Help:      "Current number of tracked item entries.",
		}, func() float64 {
			fn, _ := sharedMetric.tableSizeFn.Load().(func() float64)
			if fn == nil {
				return 0
			}
			return fn()
		})
	})
	if tableSize != nil {
		sharedMetric.tableSizeFn.Store(tableSize)
	}
	return sharedMetric
}
