package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type transportMetrics struct {
	received  *prometheus.CounterVec
	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

var (
	transportMetricsOnce sync.Once
	transportRegistry    *transportMetrics
)

// Transport returns the metrics registry tracking pub/sub traffic.
func Transport() *transportMetrics {
	transportMetricsOnce.Do(func() {
		transportRegistry = &transportMetrics{
			received: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shieldrelay",
				Subsystem: "transport",
				Name:      "received_total",
				Help:      "Messages received from the pub/sub transport segmented by adapter.",
			}, []string{"adapter"}),
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shieldrelay",
				Subsystem: "transport",
				Name:      "published_total",
				Help:      "Messages published to the pub/sub transport segmented by adapter and outcome.",
			}, []string{"adapter", "outcome"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shieldrelay",
				Subsystem: "transport",
				Name:      "dropped_total",
				Help:      "Inbound messages dropped before polling segmented by adapter and reason.",
			}, []string{"adapter", "reason"}),
		}
		prometheus.MustRegister(transportRegistry.received, transportRegistry.published, transportRegistry.dropped)
	})
	return transportRegistry
}

// Received increments the inbound counter for an adapter.
func (m *transportMetrics) Received(adapter string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(normalizeLabel(adapter)).Inc()
}

// Published records a publish attempt.
func (m *transportMetrics) Published(adapter string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.published.WithLabelValues(normalizeLabel(adapter), outcome).Inc()
}

// Dropped records a message discarded by the adapter itself.
func (m *transportMetrics) Dropped(adapter, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(normalizeLabel(adapter), normalizeLabel(reason)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
