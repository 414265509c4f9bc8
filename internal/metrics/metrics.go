// Package metrics exposes Prometheus collectors for the realtime feed and
// the clustering pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var startTime = time.Now()

var (
	// Realtime feed
	RealtimeState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qnasession_realtime_state",
			Help: "1 for the current realtime connection state, 0 otherwise",
		},
		[]string{"state"},
	)

	RealtimeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qnasession_realtime_reconnects_total",
			Help: "Reconnect attempts scheduled after a drop or failed connect",
		},
	)

	RealtimeFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qnasession_realtime_frames_total",
			Help: "Inbound realtime frames by event name",
		},
		[]string{"event"},
	)

	RealtimeDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qnasession_realtime_decode_errors_total",
			Help: "Inbound frames dropped because they could not be decoded",
		},
	)

	ChangesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qnasession_changes_dispatched_total",
			Help: "Row changes dispatched to listeners",
		},
		[]string{"table", "type"},
	)

	ListenerFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qnasession_listener_failures_total",
			Help: "Change listener errors and panics",
		},
	)

	ForwardDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qnasession_forward_dropped_total",
			Help: "Changes dropped by the Kafka forwarder",
		},
	)

	// Classifier
	ClassifierRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qnasession_classifier_requests_total",
			Help: "Classifier calls by provider and outcome",
		},
		[]string{"provider", "outcome"}, // "ok", "error", "unparsable", "empty"
	)

	ClassifierDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qnasession_classifier_duration_seconds",
			Help:    "Latency of classifier calls",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Clustering
	ClusterRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qnasession_cluster_runs_total",
			Help: "Completed clustering passes",
		},
	)

	ClusterRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qnasession_cluster_run_duration_seconds",
			Help:    "Duration of clustering passes",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
	)

	MessagesClustered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qnasession_messages_clustered_total",
			Help: "Messages assigned to a cluster",
		},
	)

	ClustersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qnasession_clusters_created_total",
			Help: "Clusters created",
		},
	)

	RoomFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qnasession_cluster_room_failures_total",
			Help: "Rooms whose writes were rolled back",
		},
	)
)

// SetRealtimeState marks state as the only active realtime state.
func SetRealtimeState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		RealtimeState.WithLabelValues(s).Set(v)
	}
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
