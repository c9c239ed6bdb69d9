// Package metrics holds the Prometheus collectors of the agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinicsync"

var (
	// Registry holds every collector below. It is separate from the default
	// registry so tests can build many apps in one process.
	Registry = prometheus.NewRegistry()

	ConnectionMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_mode",
			Help:      "1 for the currently selected backend mode, 0 otherwise",
		},
		[]string{"mode"},
	)

	ProbeResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_results_total",
			Help:      "Reachability checks by backend and result",
		},
		[]string{"backend", "result"},
	)

	RowsPulled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_rows_pulled_total",
			Help:      "Rows copied from the primary backend into the cache",
		},
		[]string{"table"},
	)

	SyncFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_table_failures_total",
			Help:      "Tables that failed during a bulk pull",
		},
		[]string{"table"},
	)

	OutboxQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_queued_total",
			Help:      "Writes appended to the outbox",
		},
		[]string{"table", "action"},
	)

	OutboxDrained = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_drained_total",
			Help:      "Outbox entries replayed and acknowledged by a remote",
		},
	)

	DrainHalts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_drain_halts_total",
			Help:      "Drains stopped by a failing entry",
		},
	)

	NotificationsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_notifications_total",
			Help:      "Change notifications forwarded to subscribers",
		},
		[]string{"table", "operation"},
	)

	BridgeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Realtime listener reconnect attempts",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ConnectionMode,
		ProbeResults,
		RowsPulled,
		SyncFailures,
		OutboxQueued,
		OutboxDrained,
		DrainHalts,
		NotificationsForwarded,
		BridgeReconnects,
	)
}

// SetMode flips the mode gauge to the given mode.
func SetMode(mode string) {
	for _, m := range []string{"primary", "secondary", "offline"} {
		v := 0.0
		if m == mode {
			v = 1
		}
		ConnectionMode.WithLabelValues(m).Set(v)
	}
}

// ProbeResult records one reachability check.
func ProbeResult(backend string, ok bool) {
	result := "up"
	if !ok {
		result = "down"
	}
	ProbeResults.WithLabelValues(backend, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
