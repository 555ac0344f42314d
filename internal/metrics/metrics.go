// Package metrics defines the Prometheus counters and gauges mirroring the
// structured log tag families (RX, TX, FWD, DROP, DIALOG, TIMER-*,
// NETWORK) this proxy emits, registered against a package-local registry
// so the composition root controls exactly what /metrics exposes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every counter/gauge this proxy populates.
type Metrics struct {
	Registry *prometheus.Registry

	RxTotal  prometheus.Counter
	TxTotal  prometheus.Counter

	ForwardedTotal *prometheus.CounterVec // labels: method
	DroppedTotal   *prometheus.CounterVec // labels: reason

	ActiveDialogs  prometheus.Gauge
	ActiveBindings prometheus.Gauge

	CDRRowsWritten prometheus.Counter

	TimerSweepDuration prometheus.Histogram

	NetworkErrors *prometheus.CounterVec // labels: kind
}

// New constructs and registers every metric.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sip_rx_total",
			Help: "Total UDP datagrams received.",
		}),
		TxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sip_tx_total",
			Help: "Total UDP datagrams sent.",
		}),
		ForwardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sip_forwarded_total",
			Help: "Messages forwarded by the routing engine, by method.",
		}, []string{"method"}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sip_dropped_total",
			Help: "Messages intentionally dropped, by reason.",
		}, []string{"reason"}),
		ActiveDialogs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sip_active_dialogs",
			Help: "Current number of live Dialog Contexts.",
		}),
		ActiveBindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sip_active_bindings",
			Help: "Current number of registered contact bindings.",
		}),
		CDRRowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sip_cdr_rows_written_total",
			Help: "Total CDR rows flushed to CSV.",
		}),
		TimerSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "sip_timer_sweep_duration_seconds",
			Help: "Duration of each timer-wheel sweep pass.",
		}),
		NetworkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sip_network_errors_total",
			Help: "Outbound send errors, by classified kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.RxTotal, m.TxTotal, m.ForwardedTotal, m.DroppedTotal,
		m.ActiveDialogs, m.ActiveBindings, m.CDRRowsWritten,
		m.TimerSweepDuration, m.NetworkErrors,
	)
	return m
}
