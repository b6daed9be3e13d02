// Package xdmcpmetrics exposes the xdmcpd manager's Prometheus metrics.
package xdmcpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tessel-systems/xdmcpd/internal/xdmcp"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "xdmcpd"
	subsystem = "xdmcp"
)

// Label names for XDMCP metrics.
const (
	labelOpcode = "opcode"
	labelReason = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus XDMCP Metrics
// -------------------------------------------------------------------------

// Collector holds all XDMCP Prometheus metrics and implements
// xdmcp.MetricsRecorder, so a Manager can be constructed with
// xdmcp.WithMetrics(collector) directly.
//
//   - Requests counts every dispatched opcode, labeled by mnemonic.
//   - Declines counts REQUEST rejections, labeled by reason string.
//   - PendingDisplays/ManagedDisplays track the live session-table counts.
type Collector struct {
	Requests *prometheus.CounterVec
	Declines *prometheus.CounterVec

	PendingDisplays prometheus.Gauge
	ManagedDisplays prometheus.Gauge
}

// NewCollector creates a Collector with all XDMCP metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Requests,
		c.Declines,
		c.PendingDisplays,
		c.ManagedDisplays,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total XDMCP datagrams dispatched, labeled by opcode.",
		}, []string{labelOpcode}),

		Declines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "declines_total",
			Help:      "Total REQUEST rejections, labeled by decline reason.",
		}, []string{labelReason}),

		PendingDisplays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_displays",
			Help:      "Number of displays awaiting MANAGE.",
		}),

		ManagedDisplays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "managed_displays",
			Help:      "Number of currently managed displays.",
		}),
	}
}

// -------------------------------------------------------------------------
// xdmcp.MetricsRecorder
// -------------------------------------------------------------------------

// IncRequests increments the request counter for opcode's mnemonic.
func (c *Collector) IncRequests(opcode xdmcp.Opcode) {
	c.Requests.WithLabelValues(opcode.String()).Inc()
}

// IncDeclines increments the decline counter for reason. An empty reason
// (xdmcp.ReasonNone) is never passed by the dispatcher, but is handled
// the same as any other label value.
func (c *Collector) IncDeclines(reason xdmcp.DeclineReason) {
	c.Declines.WithLabelValues(string(reason)).Inc()
}

// SetSessionCounts sets the pending/managed gauges to the SessionTable's
// current counts, called once per housekeeping tick.
func (c *Collector) SetSessionCounts(pending, managed int) {
	c.PendingDisplays.Set(float64(pending))
	c.ManagedDisplays.Set(float64(managed))
}
