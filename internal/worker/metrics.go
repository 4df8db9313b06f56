package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics for the worker lifecycle and fetches.
//
// Methods handle a nil receiver, so a nil *Metrics is a no-op.
type Metrics struct {
	// Fetches counts intercepted requests.
	// Labels: class=[passthrough, navigation, asset, api],
	// source=[network, cache, offline, placeholder, passthrough, error]
	Fetches *prometheus.CounterVec

	// CacheFills counts responses written to the store after a miss
	CacheFills prometheus.Counter

	// StoreErrors counts failed store operations by operation
	StoreErrors *prometheus.CounterVec

	// Installs counts install attempts by result=[success, degraded, failure]
	Installs *prometheus.CounterVec

	// StoresDeleted counts stale generations removed at activation
	StoresDeleted prometheus.Counter

	// ActiveGeneration is 1 for the generation currently in control
	ActiveGeneration *prometheus.GaugeVec
}

// NewMetrics creates and registers the worker metrics on registerer.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinecache_fetches_total",
				Help: "Intercepted requests by routing class and response source",
			},
			[]string{"class", "source"},
		),
		CacheFills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offlinecache_cache_fills_total",
			Help: "Network responses written to the cache after a miss",
		}),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinecache_store_errors_total",
				Help: "Failed cache storage operations by operation",
			},
			[]string{"op"},
		),
		Installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offlinecache_installs_total",
				Help: "Worker install attempts by result",
			},
			[]string{"result"},
		),
		StoresDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offlinecache_stale_stores_deleted_total",
			Help: "Cache stores of previous generations deleted at activation",
		}),
		ActiveGeneration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offlinecache_active_generation",
				Help: "1 for the cache generation currently in control",
			},
			[]string{"generation"},
		),
	}

	registerer.MustRegister(
		m.Fetches,
		m.CacheFills,
		m.StoreErrors,
		m.Installs,
		m.StoresDeleted,
		m.ActiveGeneration,
	)
	return m
}

func (m *Metrics) fetch(class RoutingClass, source Source) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(class.String(), string(source)).Inc()
}

func (m *Metrics) fill() {
	if m == nil {
		return
	}
	m.CacheFills.Inc()
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) install(result string) {
	if m == nil {
		return
	}
	m.Installs.WithLabelValues(result).Inc()
}

func (m *Metrics) storeDeleted() {
	if m == nil {
		return
	}
	m.StoresDeleted.Inc()
}

func (m *Metrics) activated(previous, current string) {
	if m == nil {
		return
	}
	if previous != "" && previous != current {
		m.ActiveGeneration.DeleteLabelValues(previous)
	}
	m.ActiveGeneration.WithLabelValues(current).Set(1)
}
