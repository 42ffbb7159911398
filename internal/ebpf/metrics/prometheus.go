// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the NAT engine's counters and gauges as a
// Prometheus collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all NAT engine Prometheus metrics.
type Metrics struct {
	PacketsProcessed *prometheus.CounterVec // by gress
	PacketsDropped   *prometheus.CounterVec // by gress, reason
	PacketsPassed    *prometheus.CounterVec // by gress

	MappingsActive  *prometheus.GaugeVec // by l4proto ("v4")
	ConntrackActive *prometheus.GaugeVec // by family, l4proto

	PortRangeUtilization *prometheus.GaugeVec // by l4proto

	RingBufferDrops prometheus.Counter
	ReleaseEvents   *prometheus.CounterVec // by family
}

// NewMetrics constructs the collector. Name collisions across multiple
// engine instances in one process are the caller's responsibility
// (Prometheus registries are global by default).
func NewMetrics() *Metrics {
	return &Metrics{
		PacketsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natcore_packets_processed_total",
			Help: "Total packets seen by the NAT data path.",
		}, []string{"gress"}),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natcore_packets_dropped_total",
			Help: "Total packets dropped by the NAT data path.",
		}, []string{"gress", "reason"}),

		PacketsPassed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natcore_packets_passed_total",
			Help: "Total packets returned as pass-through (unhandled protocol).",
		}, []string{"gress"}),

		MappingsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "natcore_mappings_active",
			Help: "Live v4 mapping-store entries.",
		}, []string{"l4proto"}),

		ConntrackActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "natcore_conntrack_active",
			Help: "Live conntrack entries.",
		}, []string{"family", "l4proto"}),

		PortRangeUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "natcore_port_range_utilization_ratio",
			Help: "Fraction of the dynamic port range currently allocated.",
		}, []string{"l4proto"}),

		RingBufferDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "natcore_metric_ring_drops_total",
			Help: "Metric events dropped because the ring buffer was full.",
		}),

		ReleaseEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natcore_release_events_total",
			Help: "Conntrack entries that completed the RELEASE reporting state.",
		}, []string{"family"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.PacketsProcessed.Describe(ch)
	m.PacketsDropped.Describe(ch)
	m.PacketsPassed.Describe(ch)
	m.MappingsActive.Describe(ch)
	m.ConntrackActive.Describe(ch)
	m.PortRangeUtilization.Describe(ch)
	m.RingBufferDrops.Describe(ch)
	m.ReleaseEvents.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.PacketsProcessed.Collect(ch)
	m.PacketsDropped.Collect(ch)
	m.PacketsPassed.Collect(ch)
	m.MappingsActive.Collect(ch)
	m.ConntrackActive.Collect(ch)
	m.PortRangeUtilization.Collect(ch)
	m.RingBufferDrops.Collect(ch)
	m.ReleaseEvents.Collect(ch)
}

// RegisterMetrics registers all metrics with the default registry.
func (m *Metrics) RegisterMetrics() {
	prometheus.MustRegister(m)
}
