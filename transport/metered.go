package transport

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemeshos/go-treerpc/jsonrpc"
	"github.com/spacemeshos/go-treerpc/metrics"
)

const subsystem = "transport"

var (
	sendLatency = metrics.NewHistogramWithBuckets(
		"send_duration_seconds",
		subsystem,
		"time spent writing a message",
		[]string{"name", "kind"},
		prometheus.ExponentialBuckets(0.0001, 2, 16),
	)
	receiveWait = metrics.NewHistogramWithBuckets(
		"receive_wait_seconds",
		subsystem,
		"time spent waiting for an inbound message",
		[]string{"name"},
		prometheus.ExponentialBuckets(0.0001, 2, 20),
	)
	messages = metrics.NewCounter(
		"messages",
		subsystem,
		"messages by direction, kind and error code",
		[]string{"name", "direction", "kind", "code"},
	)
	failures = metrics.NewCounter(
		"failures",
		subsystem,
		"failed sends and receives",
		[]string{"name", "direction"},
	)
)

type metered struct {
	name string
	t    jsonrpc.Transport
}

// Metered records latency and message counts of t under the given name.
func Metered(name string, t jsonrpc.Transport) jsonrpc.Transport {
	return &metered{name: name, t: t}
}

func (m *metered) Send(ctx context.Context, msg jsonrpc.Message) error {
	start := time.Now()
	err := m.t.Send(ctx, msg)
	if err != nil {
		failures.WithLabelValues(m.name, "out").Inc()
		return err
	}
	kind := kindOf(msg)
	sendLatency.WithLabelValues(m.name, kind).Observe(time.Since(start).Seconds())
	messages.WithLabelValues(m.name, "out", kind, codeOf(msg)).Inc()
	return nil
}

func (m *metered) Receive(ctx context.Context) (jsonrpc.Message, error) {
	start := time.Now()
	msg, err := m.t.Receive(ctx)
	if err != nil {
		failures.WithLabelValues(m.name, "in").Inc()
		return msg, err
	}
	receiveWait.WithLabelValues(m.name).Observe(time.Since(start).Seconds())
	messages.WithLabelValues(m.name, "in", kindOf(msg), codeOf(msg)).Inc()
	return msg, nil
}

func codeOf(msg jsonrpc.Message) string {
	if e, ok := msg.(*jsonrpc.Error); ok {
		return strconv.Itoa(e.Code)
	}
	return ""
}
