// Package mptcpdmetrics exposes mptcpd's Prometheus metrics: address
// announcement/withdrawal, subflow lifecycle, dialect command errors,
// network monitor interface/address counts, and route-probe retries.
package mptcpdmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "mptcpd"
)

// Label names.
const (
	labelDialect  = "dialect"
	labelKind     = "kind"
	labelLimit    = "limit"
	labelIface    = "interface"
)

// -------------------------------------------------------------------------
// Collector — Prometheus MPTCP path-manager metrics
// -------------------------------------------------------------------------

// Collector holds all mptcpd Prometheus metrics.
//
//   - Address gauges/counters track announced local addresses.
//   - Subflow counters track creation/closure per dialect.
//   - DialectErrors counts netlink command failures by error kind
//     (spec.md §7's error table), labeled by dialect and kind.
//   - Network-monitor gauges track interfaces/addresses currently
//     tracked, plus a counter of route-probe retries.
type Collector struct {
	// AddressesAnnounced counts successful ADD_ADDR commands issued to
	// the kernel, labeled by dialect.
	AddressesAnnounced *prometheus.CounterVec

	// AddressesWithdrawn counts successful REMOVE_ADDR commands issued
	// to the kernel, labeled by dialect.
	AddressesWithdrawn *prometheus.CounterVec

	// SubflowsCreated counts successful subflow creation commands,
	// labeled by dialect.
	SubflowsCreated *prometheus.CounterVec

	// SubflowsClosed counts successful subflow removal commands,
	// labeled by dialect.
	SubflowsClosed *prometheus.CounterVec

	// DialectErrors counts dialect command failures, labeled by
	// dialect and the error kind from spec.md §7 (e.g.
	// "transient_send", "not_ready", "unsupported", "eperm",
	// "eaddrnotavail").
	DialectErrors *prometheus.CounterVec

	// TrackedInterfaces gauges the number of ready interfaces the
	// network monitor currently tracks.
	TrackedInterfaces prometheus.Gauge

	// TrackedAddresses gauges the number of published local addresses
	// the network monitor currently tracks, labeled by interface.
	TrackedAddresses *prometheus.GaugeVec

	// RouteProbeRetries counts route-probe attempts beyond the first,
	// per spec.md §4.5 S4's bounded backoff.
	RouteProbeRetries prometheus.Counter

	// RouteProbeExhausted counts route probes that ran out of attempts
	// without confirming a default route (spec.md §7: "Address is not
	// published; record released silently").
	RouteProbeExhausted prometheus.Counter

	// LimitsSet counts successful SET_LIMITS commands, labeled by
	// dialect and limit kind ("rcv_add_addrs" or "subflows").
	LimitsSet *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.AddressesAnnounced,
		c.AddressesWithdrawn,
		c.SubflowsCreated,
		c.SubflowsClosed,
		c.DialectErrors,
		c.TrackedInterfaces,
		c.TrackedAddresses,
		c.RouteProbeRetries,
		c.RouteProbeExhausted,
		c.LimitsSet,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	dialectLabels := []string{labelDialect}
	errorLabels := []string{labelDialect, labelKind}
	limitLabels := []string{labelDialect, labelLimit}

	return &Collector{
		AddressesAnnounced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addresses_announced_total",
			Help:      "Total addresses successfully announced to the kernel path manager.",
		}, dialectLabels),

		AddressesWithdrawn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addresses_withdrawn_total",
			Help:      "Total addresses successfully withdrawn from the kernel path manager.",
		}, dialectLabels),

		SubflowsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subflows_created_total",
			Help:      "Total subflows successfully created.",
		}, dialectLabels),

		SubflowsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subflows_closed_total",
			Help:      "Total subflows successfully removed.",
		}, dialectLabels),

		DialectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialect_errors_total",
			Help:      "Total dialect command failures by error kind.",
		}, errorLabels),

		TrackedInterfaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_interfaces",
			Help:      "Number of ready interfaces currently tracked by the network monitor.",
		}),

		TrackedAddresses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_addresses",
			Help:      "Number of published local addresses currently tracked, per interface.",
		}, []string{labelIface}),

		RouteProbeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_probe_retries_total",
			Help:      "Total route-probe retry attempts beyond the first.",
		}),

		RouteProbeExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_probe_exhausted_total",
			Help:      "Total route probes that exhausted all attempts without confirming a default route.",
		}),

		LimitsSet: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limits_set_total",
			Help:      "Total successful limit-setting commands, by limit kind.",
		}, limitLabels),
	}
}

// -------------------------------------------------------------------------
// Address Lifecycle
// -------------------------------------------------------------------------

// IncAddressAnnounced increments the announced-address counter for dialect.
func (c *Collector) IncAddressAnnounced(dialect string) {
	c.AddressesAnnounced.WithLabelValues(dialect).Inc()
}

// IncAddressWithdrawn increments the withdrawn-address counter for dialect.
func (c *Collector) IncAddressWithdrawn(dialect string) {
	c.AddressesWithdrawn.WithLabelValues(dialect).Inc()
}

// -------------------------------------------------------------------------
// Subflow Lifecycle
// -------------------------------------------------------------------------

// IncSubflowCreated increments the subflow-created counter for dialect.
func (c *Collector) IncSubflowCreated(dialect string) {
	c.SubflowsCreated.WithLabelValues(dialect).Inc()
}

// IncSubflowClosed increments the subflow-closed counter for dialect.
func (c *Collector) IncSubflowClosed(dialect string) {
	c.SubflowsClosed.WithLabelValues(dialect).Inc()
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// IncDialectError increments the dialect error counter for dialect and kind.
func (c *Collector) IncDialectError(dialect, kind string) {
	c.DialectErrors.WithLabelValues(dialect, kind).Inc()
}

// -------------------------------------------------------------------------
// Network Monitor
// -------------------------------------------------------------------------

// SetTrackedInterfaces sets the tracked-interfaces gauge.
func (c *Collector) SetTrackedInterfaces(n int) {
	c.TrackedInterfaces.Set(float64(n))
}

// SetTrackedAddresses sets the tracked-addresses gauge for an interface name.
func (c *Collector) SetTrackedAddresses(iface string, n int) {
	c.TrackedAddresses.WithLabelValues(iface).Set(float64(n))
}

// IncRouteProbeRetry increments the route-probe retry counter.
func (c *Collector) IncRouteProbeRetry() {
	c.RouteProbeRetries.Inc()
}

// IncRouteProbeExhausted increments the route-probe exhaustion counter.
func (c *Collector) IncRouteProbeExhausted() {
	c.RouteProbeExhausted.Inc()
}

// -------------------------------------------------------------------------
// Limits
// -------------------------------------------------------------------------

// IncLimitSet increments the limits-set counter for dialect and limit kind.
func (c *Collector) IncLimitSet(dialect, limit string) {
	c.LimitsSet.WithLabelValues(dialect, limit).Inc()
}
