package treerpc

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemeshos/go-treerpc/metrics"
	"github.com/spacemeshos/go-treerpc/tree"
)

const namespace = "treerpc"

const (
	issuerRole    = "issuer"
	responderRole = "responder"
)

var (
	transactions = metrics.NewCounter(
		"transactions",
		namespace,
		"finished transactions",
		[]string{"role", "outcome"},
	)
	openTransactions = metrics.NewGauge(
		"open_transactions",
		namespace,
		"transactions served and not yet ended",
		[]string{},
	)
	walks = metrics.NewCounter(
		"tree_walks",
		namespace,
		"tree walks started to encode tree data",
		[]string{"role"},
	)
	datums = metrics.NewCounter(
		"datums",
		namespace,
		"diff tokens exchanged",
		[]string{"direction", "state"},
	)
)

type tracker struct {
	issuedClosed, issuedAborted prometheus.Counter
	servedClosed, servedAborted prometheus.Counter
	open                        prometheus.Gauge
	issuedWalks, servedWalks    prometheus.Counter
	sent, received              [4]prometheus.Counter
}

func newTracker() *tracker {
	t := &tracker{
		issuedClosed:  transactions.WithLabelValues(issuerRole, "closed"),
		issuedAborted: transactions.WithLabelValues(issuerRole, "aborted"),
		servedClosed:  transactions.WithLabelValues(responderRole, "closed"),
		servedAborted: transactions.WithLabelValues(responderRole, "aborted"),
		open:          openTransactions.WithLabelValues(),
		issuedWalks:   walks.WithLabelValues(issuerRole),
		servedWalks:   walks.WithLabelValues(responderRole),
	}
	for _, s := range []tree.State{tree.NoChange, tree.Add, tree.Delete, tree.Change} {
		t.sent[s] = datums.WithLabelValues("sent", s.String())
		t.received[s] = datums.WithLabelValues("received", s.String())
	}
	return t
}

func (t *tracker) walkStarted(role string) {
	switch {
	case t == nil:
	case role == issuerRole:
		t.issuedWalks.Inc()
	default:
		t.servedWalks.Inc()
	}
}

func (t *tracker) countSent(b tree.Batch) {
	if t != nil {
		count(&t.sent, b)
	}
}

func (t *tracker) countReceived(b tree.Batch) {
	if t != nil {
		count(&t.received, b)
	}
}

func count(counters *[4]prometheus.Counter, b tree.Batch) {
	for _, d := range b.Data {
		if int(d.State) < len(counters) {
			counters[d.State].Inc()
		}
	}
}
