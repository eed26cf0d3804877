package treerpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-treerpc/jsonrpc"
	"github.com/spacemeshos/go-treerpc/log/logtest"
	"github.com/spacemeshos/go-treerpc/transport"
	"github.com/spacemeshos/go-treerpc/tree"
	"github.com/spacemeshos/go-treerpc/tree/jsontree"
)

const doc = `{
  "name": "value",
  "list": [1, 2, 3],
  "nested": {"flag": true, "note": "value"}
}
`

// recorder keeps the tree data a peer writes to the connection.
type recorder struct {
	jsonrpc.Transport
	mu      sync.Mutex
	batches []tree.Batch
}

func (r *recorder) Send(ctx context.Context, msg jsonrpc.Message) error {
	var b tree.Batch
	var ok bool
	switch m := msg.(type) {
	case *jsonrpc.Request:
		var req SetTreeDataRequest
		req, ok = m.Params.(SetTreeDataRequest)
		b = req.TreeData
	case *jsonrpc.Success:
		b, ok = m.Result.(tree.Batch)
	}
	if ok {
		r.mu.Lock()
		r.batches = append(r.batches, b)
		r.mu.Unlock()
	}
	return r.Transport.Send(ctx, msg)
}

func (r *recorder) take() []tree.Datum {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []tree.Datum
	for _, b := range r.batches {
		all = append(all, b.Data...)
	}
	r.batches = nil
	return all
}

type replaceParams struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

func replace(from, to string) func(jsontree.Json) jsontree.Json {
	return func(j jsontree.Json) jsontree.Json {
		if l, ok := j.(*jsontree.Literal); ok && l.Value == from {
			return l.WithValue(fmt.Sprintf("%q", to), to)
		}
		return j
	}
}

func visitors(t *testing.T) *VisitorRegistry {
	r := NewVisitorRegistry()
	must := func(name string, fn VisitorFunc) {
		require.NoError(t, r.Register(jsontree.Language, name, func() Visitor { return fn }))
	}
	must("replace", func(_ context.Context, tr tree.Tree, param any) (tree.Tree, error) {
		p, err := jsonrpc.Decode[replaceParams](param)
		if err != nil {
			return nil, err
		}
		return jsontree.Transform(tr.(jsontree.Json), replace(p.From, p.To)), nil
	})
	must("identity", func(_ context.Context, tr tree.Tree, _ any) (tree.Tree, error) {
		return tr, nil
	})
	must("delete", func(context.Context, tree.Tree, any) (tree.Tree, error) {
		return nil, nil
	})
	must("fail", func(context.Context, tree.Tree, any) (tree.Tree, error) {
		return nil, errors.New("Boom")
	})
	must("panic", func(context.Context, tree.Tree, any) (tree.Tree, error) {
		panic("Boom")
	})
	return r
}

type fixture struct {
	issuer, responder *Peer
	sent, returned    *recorder
}

func newFixture(t *testing.T, opts ...Opt) *fixture {
	a, b := transport.Pipe(16)
	f := &fixture{sent: &recorder{Transport: a}, returned: &recorder{Transport: b}}
	logger := logtest.New(t)
	f.issuer = New(
		jsonrpc.New(f.sent, jsonrpc.WithLogger(logger.Named("issuer")), jsonrpc.WithName("issuer")),
		append([]Opt{WithLogger(logger.Named("issuer"))}, opts...)...,
	)
	f.responder = New(
		jsonrpc.New(f.returned, jsonrpc.WithLogger(logger.Named("responder")), jsonrpc.WithName("responder")),
		append([]Opt{WithLogger(logger.Named("responder")), WithVisitors(visitors(t))}, opts...)...,
	)
	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error { return f.issuer.Run(ctx) })
	eg.Go(func() error { return f.responder.Run(ctx) })
	t.Cleanup(func() {
		cancel()
		a.Close()
		require.NoError(t, eg.Wait())
	})
	return f
}

// requireClean checks that no transaction state is left on either side.
func (f *fixture) requireClean(t *testing.T) {
	t.Helper()
	require.Zero(t, f.responder.Transactions())
	require.Zero(t, f.issuer.sending.len())
	require.Zero(t, f.responder.serving.len())
}

func parse(t *testing.T, src string) *jsontree.Document {
	t.Helper()
	d, err := jsontree.Parse("doc.json", src)
	require.NoError(t, err)
	return d
}

func states(data []tree.Datum) map[tree.State]int {
	out := map[tree.State]int{}
	for _, d := range data {
		out[d.State]++
	}
	return out
}

func payloads(data []tree.Datum) []any {
	var out []any
	for _, d := range data {
		if d.Value != nil {
			out = append(out, d.Value)
		}
	}
	return out
}

func TestVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := parse(t, doc)

	got, err := f.issuer.Visit(ctx, before, jsontree.Language, "replace", replaceParams{From: "value", To: "changed"})
	require.NoError(t, err)
	want := replaced(before, "value", "changed")
	require.Equal(t, jsontree.Print(want), jsontree.Print(got.(jsontree.Json)))
	require.Empty(t, cmp.Diff(want, got))
	require.NotZero(t, states(f.sent.take())[tree.Add])
	require.Zero(t, states(f.returned.take())[tree.Add])
	f.requireClean(t)

	snapshot, ok := f.issuer.issuedSnapshots.Get(before.ID)
	require.True(t, ok)
	require.Same(t, got, snapshot)
	served, ok := f.responder.servedSnapshots.Get(before.ID)
	require.True(t, ok)
	require.Empty(t, cmp.Diff(got, served))

	again, err := f.issuer.Visit(ctx, got, jsontree.Language, "identity", nil)
	require.NoError(t, err)
	require.Same(t, got, again)
	noChange := []tree.Datum{{State: tree.NoChange}}
	require.Equal(t, noChange, f.sent.take())
	require.Equal(t, noChange, f.returned.take())
}

func replaced(d *jsontree.Document, from, to string) *jsontree.Document {
	return jsontree.Transform(d, replace(from, to)).(*jsontree.Document)
}

// Both sides share the document, the issuer then changes one literal and the
// responder leaves the tree as is.
func TestOnlyChangedLiteralIsExchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	shared := parse(t, `{"name": "value", "other": [1, 2, {"deep": null}]}`)
	require.NoError(t, f.issuer.Scan(ctx, shared, jsontree.Language, "identity", nil))
	f.sent.take()

	changed := replaced(shared, "value", "changed")
	got, err := f.issuer.Visit(ctx, changed, jsontree.Language, "identity", nil)
	require.NoError(t, err)
	require.Equal(t, `{"name": "changed", "other": [1, 2, {"deep": null}]}`, jsontree.Print(got.(jsontree.Json)))

	sent := f.sent.take()
	require.Zero(t, states(sent)[tree.Add])
	require.Zero(t, states(sent)[tree.Delete])
	require.Equal(t, []any{[]int{0, 1}, `"changed"`, "changed"}, payloads(sent))
	require.Equal(t, []tree.Datum{{State: tree.NoChange}}, f.returned.take())
}

func TestVisitDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := parse(t, doc)

	got, err := f.issuer.Visit(ctx, d, jsontree.Language, "delete", nil)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, []tree.Datum{{State: tree.Delete}}, f.returned.take())
	require.False(t, f.issuer.issuedSnapshots.Contains(d.ID))
	require.False(t, f.responder.servedSnapshots.Contains(d.ID))
	f.requireClean(t)
}

func TestScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := parse(t, doc)

	require.NoError(t, f.issuer.Scan(ctx, d, jsontree.Language, "replace", replaceParams{From: "value", To: "changed"}))
	require.Empty(t, f.returned.take())
	snapshot, ok := f.issuer.issuedSnapshots.Get(d.ID)
	require.True(t, ok)
	require.Same(t, d, snapshot)
	served, ok := f.responder.servedSnapshots.Get(d.ID)
	require.True(t, ok)
	require.Equal(t, doc, jsontree.Print(served.(jsontree.Json)))
	f.requireClean(t)

	f.sent.take()
	_, err := f.issuer.Visit(ctx, d, jsontree.Language, "identity", nil)
	require.NoError(t, err)
	require.Equal(t, []tree.Datum{{State: tree.NoChange}}, f.sent.take())
}

func TestFailedVisitCleansUp(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		visitor string
		code    int
	}{
		{desc: "error", visitor: "fail", code: jsonrpc.CodeInternalError},
		{desc: "panic", visitor: "panic", code: jsonrpc.CodeInternalError},
		{desc: "unknown visitor", visitor: "missing", code: jsonrpc.CodeInvalidParams},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			d := parse(t, doc)
			first, err := f.issuer.Visit(ctx, d, jsontree.Language, "identity", nil)
			require.NoError(t, err)

			_, err = f.issuer.Visit(ctx, first, jsontree.Language, tc.visitor, nil)
			var rerr *jsonrpc.Error
			require.ErrorAs(t, err, &rerr)
			require.Equal(t, tc.code, rerr.Code)
			f.requireClean(t)
			require.False(t, f.issuer.issuedSnapshots.Contains(d.ID))
			require.False(t, f.responder.servedSnapshots.Contains(d.ID))
			require.Zero(t, f.issuer.issued.send.Len())
			require.Zero(t, f.responder.served.receive.Len())

			// the next visit starts over with a full transfer
			f.sent.take()
			got, err := f.issuer.Visit(ctx, first, jsontree.Language, "replace", replaceParams{From: "value", To: "x"})
			require.NoError(t, err)
			require.Equal(t, jsontree.Print(replaced(d, "value", "x")), jsontree.Print(got.(jsontree.Json)))
			require.Equal(t, tree.Add, f.sent.take()[0].State)
		})
	}
}

func TestUnknownLanguage(t *testing.T) {
	f := newFixture(t)
	_, err := f.issuer.Visit(context.Background(), parse(t, doc), "cobol", "identity", nil)
	require.ErrorIs(t, err, tree.ErrUnknownLanguage)
	require.Empty(t, f.sent.take())
}

func TestTransactionStateErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := func(method string, params any) error {
		_, err := f.issuer.d.Call(ctx, method, params)
		return err
	}
	requireState := func(err error) {
		t.Helper()
		var rerr *jsonrpc.Error
		require.ErrorAs(t, err, &rerr)
		require.Equal(t, jsonrpc.CodeInternalError, rerr.Code)
		require.Contains(t, rerr.Message, ErrTransactionState.Error())
	}
	start := func() uuid.UUID {
		id := uuid.New()
		require.NoError(t, call(methodStartTreeTransaction, StartTreeTransactionRequest{
			TxID:     id,
			TreeID:   uuid.New(),
			Language: jsontree.Language,
		}))
		require.Equal(t, 1, f.responder.Transactions())
		return id
	}

	requireState(call(methodSetTreeData, SetTreeDataRequest{TxID: uuid.New()}))
	requireState(call(methodGetTreeData, GetTreeDataRequest{TxID: uuid.New()}))
	requireState(call(methodEndTransaction, EndTransactionRequest{TxID: uuid.New()}))
	require.NoError(t, call(methodEndTransaction, EndTransactionRequest{TxID: uuid.New(), Aborted: true}))

	t.Run("visit before end of data", func(t *testing.T) {
		id := start()
		requireState(call(methodVisit, VisitRequest{TxID: id, Visitor: "identity"}))
		require.Zero(t, f.responder.Transactions())
	})
	t.Run("result before visit", func(t *testing.T) {
		id := start()
		requireState(call(methodGetTreeData, GetTreeDataRequest{TxID: id}))
		require.Zero(t, f.responder.Transactions())
	})
	t.Run("end before result", func(t *testing.T) {
		id := start()
		requireState(call(methodEndTransaction, EndTransactionRequest{TxID: id}))
		require.Zero(t, f.responder.Transactions())
	})
	t.Run("duplicate start", func(t *testing.T) {
		id := start()
		requireState(call(methodStartTreeTransaction, StartTreeTransactionRequest{
			TxID:     id,
			TreeID:   uuid.New(),
			Language: jsontree.Language,
		}))
		require.NoError(t, call(methodEndTransaction, EndTransactionRequest{TxID: id, Aborted: true}))
		require.Zero(t, f.responder.Transactions())
	})
	t.Run("truncated tree data", func(t *testing.T) {
		id := start()
		err := call(methodSetTreeData, SetTreeDataRequest{TxID: id, TreeData: tree.Batch{EndOfData: true}})
		require.ErrorContains(t, err, tree.ErrProtocol.Error())
		require.Zero(t, f.responder.Transactions())
	})
	t.Run("unknown language", func(t *testing.T) {
		err := call(methodStartTreeTransaction, StartTreeTransactionRequest{TxID: uuid.New(), Language: "cobol"})
		require.ErrorIs(t, err, jsonrpc.ErrInvalidParams)
	})
}

func TestConcurrentVisits(t *testing.T) {
	f := newFixture(t, WithBatchSize(3))
	ctx := context.Background()
	var eg errgroup.Group
	for i := range 8 {
		eg.Go(func() error {
			d, err := jsontree.Parse("doc.json", fmt.Sprintf(`{"id": %d, "name": "value", "tags": ["value", "other"]}`, i))
			if err != nil {
				return err
			}
			for range 3 {
				got, err := f.issuer.Visit(ctx, d, jsontree.Language, "replace", replaceParams{From: "value", To: "changed"})
				if err != nil {
					return err
				}
				want := fmt.Sprintf(`{"id": %d, "name": "changed", "tags": ["changed", "other"]}`, i)
				if s := jsontree.Print(got.(jsontree.Json)); s != want {
					return fmt.Errorf("got %s, want %s", s, want)
				}
				d = got.(*jsontree.Document)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	f.requireClean(t)
}

func TestShutdownAbortsServedTransactions(t *testing.T) {
	a, b := transport.Pipe(16)
	issuer := jsonrpc.New(a)
	responder := New(jsonrpc.New(b), WithLogger(logtest.New(t)))
	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error { return issuer.Run(ctx) })
	eg.Go(func() error { return responder.Run(ctx) })

	_, err := issuer.Call(ctx, methodStartTreeTransaction, StartTreeTransactionRequest{
		TxID:     uuid.New(),
		TreeID:   uuid.New(),
		Language: jsontree.Language,
	})
	require.NoError(t, err)
	require.Equal(t, 1, responder.Transactions())

	cancel()
	require.NoError(t, eg.Wait())
	require.Zero(t, responder.Transactions())
}

func TestConfigOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.QueueSize = 2
	cfg.SnapshotCacheSize = 5
	cfg.Timeout = 0
	a, _ := transport.Pipe(1)
	p := New(jsonrpc.New(a), cfg.Options()...)
	require.Equal(t, 3, p.batchSize)
	require.Equal(t, 2, p.queueSize)
	require.Equal(t, 5, p.snapshotCacheSize)
	require.Zero(t, p.timeout)
}

func value(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, WithMetrics())
	ctx := context.Background()
	closed := transactions.WithLabelValues("issuer", "closed")
	served := transactions.WithLabelValues("responder", "closed")
	sent := datums.WithLabelValues("sent", tree.NoChange.String())
	received := datums.WithLabelValues("received", tree.NoChange.String())

	before := value(t, closed)
	got, err := f.issuer.Visit(ctx, parse(t, doc), jsontree.Language, "identity", nil)
	require.NoError(t, err)
	require.Equal(t, before+1, value(t, closed))

	servedBefore := value(t, served)
	sentBefore, receivedBefore := value(t, sent), value(t, received)
	_, err = f.issuer.Visit(ctx, got, jsontree.Language, "identity", nil)
	require.NoError(t, err)
	require.Equal(t, servedBefore+1, value(t, served))
	// one NO_CHANGE token each way, counted by both peers
	require.Equal(t, sentBefore+2, value(t, sent))
	require.Equal(t, receivedBefore+2, value(t, received))
	f.requireClean(t)
}

// serveResult drives the responder through a replace visit of d, leaving the
// transaction ready to hand out its result.
func serveResult(t *testing.T, f *fixture, d *jsontree.Document) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	_, err := f.issuer.d.Call(ctx, methodStartTreeTransaction, StartTreeTransactionRequest{
		TxID:     id,
		TreeID:   d.TreeID(),
		Language: jsontree.Language,
	})
	require.NoError(t, err)
	batches, err := tree.Encode(jsontree.Grammar().Sender, tree.NewSendRefs(), nil, d, 10)
	require.NoError(t, err)
	for _, b := range batches {
		_, err := f.issuer.d.Call(ctx, methodSetTreeData, SetTreeDataRequest{TxID: id, TreeData: b})
		require.NoError(t, err)
	}
	_, err = f.issuer.d.Call(ctx, methodVisit, VisitRequest{
		TxID:    id,
		Visitor: "replace",
		P:       replaceParams{From: "value", To: "changed"},
	})
	require.NoError(t, err)
	return id
}

func TestResultCallsShareOneWalk(t *testing.T) {
	f := newFixture(t, WithBatchSize(1), WithMetrics())
	ctx := context.Background()
	started := walks.WithLabelValues(responderRole)
	walksBefore := value(t, started)

	before := parse(t, doc)
	id := serveResult(t, f, before)
	var batches []tree.Batch
	for {
		b, err := jsonrpc.Result[tree.Batch](f.issuer.d.Call(ctx, methodGetTreeData, GetTreeDataRequest{TxID: id}))
		require.NoError(t, err)
		require.LessOrEqual(t, len(b.Data), 1)
		batches = append(batches, b)
		if b.EndOfData {
			break
		}
	}
	require.Greater(t, len(batches), 2)
	require.Equal(t, walksBefore+1, value(t, started))
	require.Zero(t, f.responder.serving.len())

	got, err := tree.Decode(jsontree.Grammar().Receiver, tree.NewReceiveRefs(), before, batches)
	require.NoError(t, err)
	require.Equal(t, jsontree.Print(replaced(before, "value", "changed")), jsontree.Print(got.(jsontree.Json)))

	// asking again is refused without aborting the finished stream
	_, err = f.issuer.d.Call(ctx, methodGetTreeData, GetTreeDataRequest{TxID: id})
	require.ErrorContains(t, err, ErrTransactionState.Error())
	require.Equal(t, 1, f.responder.Transactions())

	_, err = f.issuer.d.Call(ctx, methodEndTransaction, EndTransactionRequest{TxID: id})
	require.NoError(t, err)
	f.requireClean(t)
	_, ok := f.responder.servedSnapshots.Get(before.TreeID())
	require.True(t, ok)
	require.Equal(t, walksBefore+1, value(t, started))
}

func TestConcurrentResultCalls(t *testing.T) {
	f := newFixture(t, WithBatchSize(1), WithMetrics())
	ctx := context.Background()
	started := walks.WithLabelValues(responderRole)
	walksBefore := value(t, started)

	before := parse(t, doc)
	id := serveResult(t, f, before)
	f.responder.txMu.Lock()
	tx := f.responder.txs[id]
	f.responder.txMu.Unlock()
	require.NotNil(t, tx)
	tx.mu.Lock()
	received, after := tx.received, tx.after
	tx.mu.Unlock()
	expected, err := tree.Encode(jsontree.Grammar().Sender, tree.NewSendRefs(), received, after, 1)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		total int
		ends  int
		ended atomic.Bool
		eg    errgroup.Group
	)
	for range 4 {
		eg.Go(func() error {
			for !ended.Load() {
				b, err := jsonrpc.Result[tree.Batch](f.issuer.d.Call(ctx, methodGetTreeData, GetTreeDataRequest{TxID: id}))
				if err != nil {
					if strings.Contains(err.Error(), ErrTransactionState.Error()) {
						return nil
					}
					return err
				}
				mu.Lock()
				total += len(b.Data)
				if b.EndOfData {
					ends++
					ended.Store(true)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, 1, ends)
	want := 0
	for _, b := range expected {
		want += len(b.Data)
	}
	require.Equal(t, want, total)
	require.Equal(t, walksBefore+1, value(t, started))
	require.Equal(t, 1, f.responder.Transactions())

	_, err = f.issuer.d.Call(ctx, methodEndTransaction, EndTransactionRequest{TxID: id})
	require.NoError(t, err)
	f.requireClean(t)
}

func TestDispatcherShutdownAbortsServedTransactions(t *testing.T) {
	a, b := transport.Pipe(16)
	issuer := jsonrpc.New(a)
	d := jsonrpc.New(b)
	responder := New(d, WithLogger(logtest.New(t)))
	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error { return issuer.Run(ctx) })
	// the peer's own Run is never called
	eg.Go(func() error { return d.Run(ctx) })

	id := uuid.New()
	_, err := issuer.Call(ctx, methodStartTreeTransaction, StartTreeTransactionRequest{
		TxID:     id,
		TreeID:   uuid.New(),
		Language: jsontree.Language,
	})
	require.NoError(t, err)
	responder.txMu.Lock()
	tx := responder.txs[id]
	responder.txMu.Unlock()
	require.NotNil(t, tx)

	cancel()
	require.NoError(t, eg.Wait())
	require.Eventually(t, func() bool {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		return tx.state == Aborted
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, responder.Transactions())
	select {
	case <-tx.receiver.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "tree receiver still running")
	}
}
