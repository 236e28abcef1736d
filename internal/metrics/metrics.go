// Package metrics defines the Prometheus collectors exposed on the admin
// /metrics endpoint, mirroring the teacher's metrics.go: plain package-level
// collectors registered once, updated from the hot paths that matter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	commandsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvredis_commands_processed_total",
		Help: "Total number of commands dispatched, by command name and outcome",
	}, []string{"command", "outcome"})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvredis_connections_active",
		Help: "Current number of open client connections",
	})

	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvredis_connections_total",
		Help: "Total number of client connections accepted",
	})

	connectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvredis_connections_rejected_total",
		Help: "Total number of connections rejected by the admission rate limiter or the connection cap",
	})

	blockingWaiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvredis_blocking_waiters",
		Help: "Current number of connections blocked in BLPOP",
	})

	pubsubDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvredis_pubsub_messages_delivered_total",
		Help: "Total number of pub/sub messages successfully delivered to a subscriber mailbox",
	})

	pubsubDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvredis_pubsub_messages_dropped_total",
		Help: "Total number of pub/sub messages dropped because a subscriber mailbox was full",
	})

	snapshotLoad = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvredis_snapshot_load_total",
		Help: "Snapshot load attempts at boot, by outcome",
	}, []string{"outcome"})

	keyspaceSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvredis_keyspace_size",
		Help: "Current number of live keys",
	})
)

func init() {
	prometheus.MustRegister(
		commandsProcessed,
		connectionsActive,
		connectionsTotal,
		connectionsRejected,
		blockingWaiters,
		pubsubDelivered,
		pubsubDropped,
		snapshotLoad,
		keyspaceSize,
	)
}

// RecordCommand increments the per-command counter. outcome is "ok" or
// "error".
func RecordCommand(command, outcome string) {
	commandsProcessed.WithLabelValues(command, outcome).Inc()
}

// ConnectionOpened increments the active and total connection gauges.
func ConnectionOpened() {
	connectionsActive.Inc()
	connectionsTotal.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func ConnectionClosed() {
	connectionsActive.Dec()
}

// ConnectionRejected records a connection turned away by the admission
// rate limiter or by the max-connections cap.
func ConnectionRejected() {
	connectionsRejected.Inc()
}

// BlockingWaitersSet reports the current number of blocked connections.
func BlockingWaitersSet(n int) {
	blockingWaiters.Set(float64(n))
}

// PubSubDelivered records a successful mailbox delivery.
func PubSubDelivered() { pubsubDelivered.Inc() }

// PubSubDropped records a delivery dropped because the mailbox was full.
func PubSubDropped() { pubsubDropped.Inc() }

// SnapshotLoadResult records the outcome of the boot-time snapshot load.
// outcome is one of "loaded", "absent", "error".
func SnapshotLoadResult(outcome string) {
	snapshotLoad.WithLabelValues(outcome).Inc()
}

// KeyspaceSizeSet reports the current key count.
func KeyspaceSizeSet(n int) {
	keyspaceSize.Set(float64(n))
}

// Handler returns the promhttp handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
