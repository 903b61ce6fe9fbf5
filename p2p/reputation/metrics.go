package reputation

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation for one Manager instance,
// modeled on p2p/gossip's promauto/CounterVec pattern rather than the
// hand-rolled text exporter this replaces.
type Metrics struct {
	EventsTotal *prometheus.CounterVec
	BansTotal   *prometheus.CounterVec

	peerCountFn atomic.Value // func() float64
}

var (
	registerOnce sync.Once
	sharedMetric *Metrics
)

// NewMetrics registers (once per process) and returns the reputation
// manager's metric set. peerCount is polled lazily by the registry scraper
// via a GaugeFunc, the same deferred-pull shape gossip.NewMetrics uses for
// table size.
func NewMetrics(namespace string, peerCount func() float64) *Metrics {
	registerOnce.Do(func() {
		sharedMetric = &Metrics{
			EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reputation",
				Name:      "events_total",
				Help:      "Peer reputation events recorded, by type.",
			}, []string{"type"}),
			BansTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reputation",
				Name:      "bans_total",
				Help:      "Peers banned, by ban type.",
			}, []string{"type"}),
		}
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reputation",
			Name:      "peers_tracked",
			Help:      "Current number of peers with a reputation record.",
		}, func() float64 {
			fn, _ := sharedMetric.peerCountFn.Load().(func() float64)
			if fn == nil {
				return 0
			}
			return fn()
		})
	})
	if peerCount != nil {
		sharedMetric.peerCountFn.Store(peerCount)
	}
	return sharedMetric
}

// RecordEvent increments the per-type event counter.
func (m *Metrics) RecordEvent(eventType EventType) {
	m.EventsTotal.WithLabelValues(eventType.String()).Inc()
}

// RecordBan increments the per-type ban counter.
func (m *Metrics) RecordBan(banType BanType) {
	m.BansTotal.WithLabelValues(banType.String()).Inc()
}
