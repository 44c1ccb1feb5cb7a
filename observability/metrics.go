package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	broadcasterMetricsOnce sync.Once
	broadcasterRegistry    *BroadcasterMetrics
)

// BroadcasterMetrics wraps the collectors describing request handling health.
type BroadcasterMetrics struct {
	reliability    *prometheus.GaugeVec
	ratio          *prometheus.GaugeVec
	requests       *prometheus.CounterVec
	handleLatency  *prometheus.HistogramVec
	gasSource      *prometheus.CounterVec
	underpriced    *prometheus.CounterVec
	feeBroadcasts  *prometheus.CounterVec
	poiQueued      *prometheus.GaugeVec
	poiSubmissions *prometheus.CounterVec
	replayGuard    prometheus.Gauge
}

// Broadcaster returns the lazily initialised broadcaster metrics registry.
func Broadcaster() *BroadcasterMetrics {
	broadcasterMetricsOnce.Do(func() {
		broadcasterRegistry = &BroadcasterMetrics{
			reliability: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "shieldrelay",
				Subsystem: "reliability",
				Name:      "counter",
				Help:      "Current value of the persisted reliability counters per chain and metric.",
			}, []string{"chain", "metric"}),
			ratio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "shieldrelay",
				Subsystem: "reliability",
				Name:      "ratio",
				Help:      "Advertised reliability ratio (0-1) per chain.",
			}, []string{"chain"}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shieldrelay",
				Subsystem: "router",
				Name:      "requests_total",
				Help:      "Inbound messages segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			handleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "shieldrelay",
				Subsystem: "router",
				Name:      "handle_duration_seconds",
				Help:      "Latency distribution for handled requests that produced a response.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"method"}),
			gasSource: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shieldrelay",
				Subsystem: "gas",
				Name:      "estimates_total",
				Help:      "Gas price estimates segmented by chain and source (api, heuristic).",
			}, []string{"chain", "source"}),
			underpriced: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shieldrelay",
				Subsystem: "executor",
				Name:      "underpriced_retries_total",
				Help:      "Underpriced submission retries segmented by chain and outcome.",
			}, []string{"chain", "outcome"}),
			feeBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shieldrelay",
				Subsystem: "fees",
				Name:      "broadcasts_total",
				Help:      "Fee quote broadcasts segmented by chain and outcome.",
			}, []string{"chain", "outcome"}),
			poiQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "shieldrelay",
				Subsystem: "poi",
				Name:      "queued",
				Help:      "Validated POI records awaiting spendability per chain and txid version.",
			}, []string{"chain", "txid_version"}),
			poiSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shieldrelay",
				Subsystem: "poi",
				Name:      "submissions_total",
				Help:      "POI node submissions segmented by chain and outcome.",
			}, []string{"chain", "outcome"}),
			replayGuard: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "shieldrelay",
				Subsystem: "replay",
				Name:      "handled_keys",
				Help:      "Number of client public keys held by the in-memory replay guard.",
			}),
		}
		prometheus.MustRegister(
			broadcasterRegistry.reliability,
			broadcasterRegistry.ratio,
			broadcasterRegistry.requests,
			broadcasterRegistry.handleLatency,
			broadcasterRegistry.gasSource,
			broadcasterRegistry.underpriced,
			broadcasterRegistry.feeBroadcasts,
			broadcasterRegistry.poiQueued,
			broadcasterRegistry.poiSubmissions,
			broadcasterRegistry.replayGuard,
		)
	})
	return broadcasterRegistry
}

// SetReliability mirrors a persisted reliability counter.
func (m *BroadcasterMetrics) SetReliability(chain, metric string, value int64) {
	if m == nil {
		return
	}
	m.reliability.WithLabelValues(chain, metric).Set(float64(value))
}

// SetRatio records the advertised reliability ratio of a chain.
func (m *BroadcasterMetrics) SetRatio(chain string, ratio float64) {
	if m == nil {
		return
	}
	m.ratio.WithLabelValues(chain).Set(ratio)
}

// RecordRequest counts an inbound message outcome such as "dropped", "responded"
// or "error".
func (m *BroadcasterMetrics) RecordRequest(method, outcome string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

// ObserveHandle records the end-to-end handling latency of a request.
func (m *BroadcasterMetrics) ObserveHandle(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.handleLatency.WithLabelValues(method).Observe(d.Seconds())
}

// RecordGasSource counts which source produced a gas estimate.
func (m *BroadcasterMetrics) RecordGasSource(chain, source string) {
	if m == nil {
		return
	}
	m.gasSource.WithLabelValues(chain, source).Inc()
}

// RecordUnderpricedRetry counts an underpriced retry attempt outcome.
func (m *BroadcasterMetrics) RecordUnderpricedRetry(chain, outcome string) {
	if m == nil {
		return
	}
	m.underpriced.WithLabelValues(chain, outcome).Inc()
}

// RecordFeeBroadcast counts a fee broadcast outcome.
func (m *BroadcasterMetrics) RecordFeeBroadcast(chain, outcome string) {
	if m == nil {
		return
	}
	m.feeBroadcasts.WithLabelValues(chain, outcome).Inc()
}

// SetPOIQueued records the POI queue depth for a chain and txid version.
func (m *BroadcasterMetrics) SetPOIQueued(chain, txidVersion string, depth int) {
	if m == nil {
		return
	}
	m.poiQueued.WithLabelValues(chain, txidVersion).Set(float64(depth))
}

// RecordPOISubmission counts a POI node submission outcome.
func (m *BroadcasterMetrics) RecordPOISubmission(chain, outcome string) {
	if m == nil {
		return
	}
	m.poiSubmissions.WithLabelValues(chain, outcome).Inc()
}

// SetReplayGuardSize records the in-memory replay guard size.
func (m *BroadcasterMetrics) SetReplayGuardSize(size int) {
	if m == nil {
		return
	}
	m.replayGuard.Set(float64(size))
}
