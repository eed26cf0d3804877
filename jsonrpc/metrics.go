package jsonrpc

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemeshos/go-treerpc/metrics"
)

const (
	namespace = "jsonrpc"
	nameLabel = "name"
)

var (
	targetQueue = metrics.NewGauge(
		"target_queue",
		namespace,
		"target size of the request queue",
		[]string{nameLabel},
	)
	queue = metrics.NewGauge(
		"queue",
		namespace,
		"actual size of the request queue",
		[]string{nameLabel},
	)
	outstanding = metrics.NewGauge(
		"outstanding",
		namespace,
		"calls waiting for a response",
		[]string{nameLabel},
	)
	requests = metrics.NewCounter(
		"requests",
		namespace,
		"inbound requests counter",
		[]string{nameLabel, "state"},
	)
	clientLatency = metrics.NewHistogramWithBuckets(
		"client_latency_seconds",
		namespace,
		"latency since sending a request",
		[]string{nameLabel, "result"},
		prometheus.ExponentialBuckets(0.001, 2, 14),
	)
	serverLatency = metrics.NewHistogramWithBuckets(
		"server_latency_seconds",
		namespace,
		"latency since accepting a request",
		[]string{nameLabel},
		prometheus.ExponentialBuckets(0.001, 2, 14),
	)
)

func newTracker(name string) *tracker {
	return &tracker{
		targetQueue:          targetQueue.WithLabelValues(name),
		queue:                queue.WithLabelValues(name),
		outstanding:          outstanding.WithLabelValues(name),
		accepted:             requests.WithLabelValues(name, "accepted"),
		dropped:              requests.WithLabelValues(name, "dropped"),
		completed:            requests.WithLabelValues(name, "completed"),
		failed:               requests.WithLabelValues(name, "failed"),
		serverLatency:        serverLatency.WithLabelValues(name),
		clientLatency:        clientLatency.WithLabelValues(name, "success"),
		clientLatencyFailure: clientLatency.WithLabelValues(name, "failure"),
		clientLatencyTimeout: clientLatency.WithLabelValues(name, "timeout"),
	}
}

type tracker struct {
	targetQueue                         prometheus.Gauge
	queue                               prometheus.Gauge
	outstanding                         prometheus.Gauge
	accepted                            prometheus.Counter
	dropped                             prometheus.Counter
	completed                           prometheus.Counter
	failed                              prometheus.Counter
	serverLatency                       prometheus.Observer
	clientLatency, clientLatencyFailure prometheus.Observer
	clientLatencyTimeout                prometheus.Observer
}
