package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry      *prometheus.Registry
	swapsTotal    *prometheus.CounterVec
	receiptPurged prometheus.Counter
	pausedGauge   prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	swaps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xmrbridge_swaps_total",
		Help: "Swap submissions by direction and outcome",
	}, []string{"direction", "outcome"})

	purged := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xmrbridge_receipts_purged_total",
		Help: "Receipts removed by retention purges",
	})

	paused := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xmrbridge_paused",
		Help: "1 when the bridge is administratively paused",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(swaps, purged, paused)

	return &metricsRegistry{
		registry:      r,
		swapsTotal:    swaps,
		receiptPurged: purged,
		pausedGauge:   paused,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incSwap(direction, outcome string) {
	m.swapsTotal.WithLabelValues(direction, outcome).Inc()
}

func (m *metricsRegistry) addPurged(n int) {
	m.receiptPurged.Add(float64(n))
}

func (m *metricsRegistry) setPaused(paused bool) {
	if paused {
		m.pausedGauge.Set(1)
	} else {
		m.pausedGauge.Set(0)
	}
}
