// Package treerpc runs visits of trees held by one process in another process.
// The issuer streams the tree to the responder as a diff against the state both
// sides exchanged last, the responder applies a named visitor and streams the
// result back as a diff against what it received.
package treerpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-treerpc/jsonrpc"
	"github.com/spacemeshos/go-treerpc/log"
	"github.com/spacemeshos/go-treerpc/tree"
)

// Opt is a type to configure a peer.
type Opt func(p *Peer)

// WithLogger sets the logger used by the peer.
func WithLogger(logger *zap.Logger) Opt {
	return func(p *Peer) {
		p.logger = logger
	}
}

// WithBatchSize sets the number of diff tokens per tree data call.
func WithBatchSize(n int) Opt {
	return func(p *Peer) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithQueueSize sets the number of batches a tree walk may run ahead of its consumer.
func WithQueueSize(n int) Opt {
	return func(p *Peer) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithSnapshotCacheSize sets the number of trees whose shared state is remembered.
func WithSnapshotCacheSize(n int) Opt {
	return func(p *Peer) {
		if n > 0 {
			p.snapshotCacheSize = n
		}
	}
}

// WithTimeout bounds each issued transaction. Zero disables the bound, the
// dispatcher timeout still applies to every call.
func WithTimeout(timeout time.Duration) Opt {
	return func(p *Peer) {
		p.timeout = timeout
	}
}

// WithGrammars sets the registry used to find the codec of a language.
func WithGrammars(r *tree.Registry) Opt {
	return func(p *Peer) {
		p.grammars = r
	}
}

// WithVisitors sets the registry of visitors the peer serves.
func WithVisitors(r *VisitorRegistry) Opt {
	return func(p *Peer) {
		p.visitors = r
	}
}

// WithMetrics enables metrics collection.
func WithMetrics() Opt {
	return func(p *Peer) {
		p.metrics = newTracker()
	}
}

// refs are the reference tables of one direction of tree data.
type refs struct {
	send    *tree.SendRefs
	receive *tree.ReceiveRefs
}

func newRefs() refs {
	return refs{send: tree.NewSendRefs(), receive: tree.NewReceiveRefs()}
}

func (r refs) reset() {
	r.send.Reset()
	r.receive.Reset()
}

// Peer issues visits to the other side of a connection and serves the visits the
// other side issues. Issued transactions run one at a time, so that references are
// assigned and resolved in the same order on both sides.
type Peer struct {
	logger            *zap.Logger
	d                 *jsonrpc.Dispatcher
	grammars          *tree.Registry
	visitors          *VisitorRegistry
	batchSize         int
	queueSize         int
	snapshotCacheSize int
	timeout           time.Duration

	metrics *tracker // metrics can be nil

	ctx       context.Context
	cancel    context.CancelFunc
	watchOnce sync.Once

	// issuer side
	issueMu         sync.Mutex
	issued          refs
	sending         *inflight
	issuedSnapshots snapshots

	// responder side
	served          refs
	serving         *inflight
	servedSnapshots snapshots
	txMu            sync.Mutex
	txs             map[uuid.UUID]*transaction
}

// New creates a peer and registers its handlers on the dispatcher.
func New(d *jsonrpc.Dispatcher, opts ...Opt) *Peer {
	cfg := DefaultConfig()
	p := &Peer{
		logger:            zap.NewNop(),
		d:                 d,
		grammars:          tree.DefaultRegistry,
		visitors:          NewVisitorRegistry(),
		batchSize:         cfg.BatchSize,
		queueSize:         cfg.QueueSize,
		snapshotCacheSize: cfg.SnapshotCacheSize,
		timeout:           cfg.Timeout,
		issued:            newRefs(),
		sending:           newInflight(),
		served:            newRefs(),
		serving:           newInflight(),
		txs:               make(map[uuid.UUID]*transaction),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.issuedSnapshots = newSnapshots(p.snapshotCacheSize)
	p.servedSnapshots = newSnapshots(p.snapshotCacheSize)

	d.Register(methodStartTreeTransaction, jsonrpc.Typed(p.startTreeTransaction))
	d.Register(methodSetTreeData, jsonrpc.Typed(p.setTreeData))
	d.Register(methodVisit, jsonrpc.Typed(p.visit))
	d.Register(methodGetTreeData, jsonrpc.Typed(p.getTreeData))
	d.Register(methodEndTransaction, jsonrpc.Typed(p.endTransaction))
	return p
}

// Visitors returns the registry of visitors served by the peer.
func (p *Peer) Visitors() *VisitorRegistry {
	return p.visitors
}

// Transactions returns the number of served transactions that have not ended.
func (p *Peer) Transactions() int {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	return len(p.txs)
}

// Run runs the dispatcher until the context is cancelled or the connection fails.
// Served transactions that are still open are aborted on exit. Running the
// dispatcher directly has the same effect once its Run returns.
func (p *Peer) Run(ctx context.Context) error {
	err := p.d.Run(ctx)
	p.shutdown()
	return err
}

// watch shuts the peer down when the dispatcher stops, however it was run.
func (p *Peer) watch() {
	p.watchOnce.Do(func() {
		go func() {
			select {
			case <-p.d.Done():
				p.shutdown()
			case <-p.ctx.Done():
			}
		}()
	})
}

// shutdown stops the tree walks of served transactions and aborts them.
func (p *Peer) shutdown() {
	p.cancel()
	p.txMu.Lock()
	txs := p.txs
	p.txs = make(map[uuid.UUID]*transaction)
	p.txMu.Unlock()
	for _, tx := range txs {
		p.abortServed(tx)
	}
}

// Visit runs the named visitor on the peer against t and returns the result. A nil
// result means the visitor deleted the tree.
func (p *Peer) Visit(ctx context.Context, t tree.Tree, lang tree.Language, visitor string, param any) (tree.Tree, error) {
	return p.transact(ctx, t, lang, visitor, param, false)
}

// Scan runs the named visitor on the peer against t without fetching the result.
func (p *Peer) Scan(ctx context.Context, t tree.Tree, lang tree.Language, visitor string, param any) error {
	_, err := p.transact(ctx, t, lang, visitor, param, true)
	return err
}

func (p *Peer) transact(
	ctx context.Context,
	t tree.Tree,
	lang tree.Language,
	visitor string,
	param any,
	scan bool,
) (tree.Tree, error) {
	if t == nil {
		return nil, errors.New("visit of a nil tree")
	}
	g, err := p.grammars.Lookup(lang)
	if err != nil {
		return nil, err
	}

	p.issueMu.Lock()
	defer p.issueMu.Unlock()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	tx := newTransaction(ctx, uuid.New(), t.TreeID(), g)
	defer tx.cancel()
	ctx = log.WithRequestID(tx.ctx, tx.id.String())
	logger := p.logger.With(
		log.ZContext(ctx),
		zap.Stringer("tree", tx.treeID),
		zap.String("visitor", visitor),
	)

	result, err := p.issue(ctx, tx, t, visitor, param, scan)
	if err != nil {
		p.abortIssued(ctx, tx, logger, err)
		return nil, fmt.Errorf("visit %s with %s: %w", tx.treeID, visitor, err)
	}
	tx.finish(Closed)
	if p.metrics != nil {
		p.metrics.issuedClosed.Inc()
	}
	logger.Debug("transaction closed", zap.Bool("scan", scan), zap.Bool("deleted", result == nil))
	return result, nil
}

func (p *Peer) issue(
	ctx context.Context,
	tx *transaction,
	t tree.Tree,
	visitor string,
	param any,
	scan bool,
) (tree.Tree, error) {
	start, err := jsonrpc.Result[StartTreeTransactionResponse](p.d.Call(ctx, methodStartTreeTransaction,
		StartTreeTransactionRequest{TxID: tx.id, TreeID: tx.treeID, Language: tx.grammar.Language}))
	if err != nil {
		return nil, fmt.Errorf("start transaction: %w", err)
	}
	if err := tx.advance(Created, AwaitingRemoteSnapshot); err != nil {
		return nil, err
	}
	var before tree.Tree
	if start.HasSnapshot {
		before, _ = p.issuedSnapshots.Get(tx.treeID)
	}
	if err := p.sendTree(ctx, tx, before, t); err != nil {
		return nil, fmt.Errorf("send tree: %w", err)
	}
	if err := tx.advance(AwaitingRemoteSnapshot, Visiting); err != nil {
		return nil, err
	}
	if _, err := p.d.Call(ctx, methodVisit, VisitRequest{TxID: tx.id, Visitor: visitor, P: param, Scan: scan}); err != nil {
		return nil, fmt.Errorf("visit: %w", err)
	}
	if err := tx.advance(Visiting, SendingResult); err != nil {
		return nil, err
	}
	result := t
	if !scan {
		if result, err = p.receiveTree(ctx, tx, t); err != nil {
			return nil, fmt.Errorf("receive tree: %w", err)
		}
	}
	if _, err := p.d.Call(ctx, methodEndTransaction, EndTransactionRequest{TxID: tx.id}); err != nil {
		return nil, fmt.Errorf("end transaction: %w", err)
	}
	p.issuedSnapshots.update(tx.treeID, result)
	return result, nil
}

func (p *Peer) sendTree(ctx context.Context, tx *transaction, before, after tree.Tree) error {
	s, started := p.sending.attach(tx.treeID, func() *tree.Sender {
		return tree.NewSender(tx.ctx, tx.grammar.Sender, p.issued.send, before, after, p.batchSize, p.queueSize)
	})
	if started {
		p.metrics.walkStarted(issuerRole)
	}
	defer p.sending.release(tx.treeID, s)
	for {
		b, err := s.Next(ctx)
		if err != nil {
			return err
		}
		if _, err := p.d.Call(ctx, methodSetTreeData, SetTreeDataRequest{TxID: tx.id, TreeData: b}); err != nil {
			return err
		}
		p.metrics.countSent(b)
		if b.EndOfData {
			return nil
		}
	}
}

func (p *Peer) receiveTree(ctx context.Context, tx *transaction, before tree.Tree) (tree.Tree, error) {
	r := tree.NewReceiver(tx.ctx, tx.grammar.Receiver, p.issued.receive, before, p.queueSize)
	defer r.Close()
	for {
		b, err := jsonrpc.Result[tree.Batch](p.d.Call(ctx, methodGetTreeData, GetTreeDataRequest{TxID: tx.id}))
		if err != nil {
			return nil, err
		}
		p.metrics.countReceived(b)
		if err := r.Put(ctx, b); err != nil {
			return nil, err
		}
		if b.EndOfData {
			return r.Tree(ctx)
		}
	}
}

// abortIssued forgets the snapshot and the references of the failed transaction and
// asks the responder to do the same.
func (p *Peer) abortIssued(ctx context.Context, tx *transaction, logger *zap.Logger, cause error) {
	tx.finish(Aborted)
	p.issuedSnapshots.Remove(tx.treeID)
	p.issued.reset()
	if _, err := p.d.Call(context.WithoutCancel(ctx), methodEndTransaction,
		EndTransactionRequest{TxID: tx.id, Aborted: true}); err != nil {
		logger.Debug("failed to abort remote transaction", zap.Error(err))
	}
	if p.metrics != nil {
		p.metrics.issuedAborted.Inc()
	}
	logger.Warn("transaction aborted", zap.Error(cause))
}

func (p *Peer) startTreeTransaction(ctx context.Context, req StartTreeTransactionRequest) (any, error) {
	p.watch()
	g, err := p.grammars.Lookup(req.Language)
	if err != nil {
		return nil, jsonrpc.InvalidParams(jsonrpc.ID{}, err.Error())
	}
	before, ok := p.servedSnapshots.Get(req.TreeID)
	tx := newTransaction(p.ctx, req.TxID, req.TreeID, g)
	tx.receiver = tree.NewReceiver(tx.ctx, g.Receiver, p.served.receive, before, p.queueSize)
	tx.state = AwaitingRemoteSnapshot

	p.txMu.Lock()
	if _, exists := p.txs[req.TxID]; exists {
		p.txMu.Unlock()
		tx.finish(Aborted)
		return nil, fmt.Errorf("%w: transaction %s already started", ErrTransactionState, req.TxID)
	}
	p.txs[req.TxID] = tx
	p.txMu.Unlock()

	if p.metrics != nil {
		p.metrics.open.Inc()
	}
	p.logger.Debug("transaction started",
		log.ZContext(ctx),
		zap.Stringer("tx", req.TxID),
		zap.Stringer("tree", req.TreeID),
		zap.Bool("snapshot", ok),
	)
	return StartTreeTransactionResponse{HasSnapshot: ok}, nil
}

func (p *Peer) setTreeData(ctx context.Context, req SetTreeDataRequest) (any, error) {
	tx, err := p.transaction(req.TxID)
	if err != nil {
		return nil, err
	}
	if err := tx.expect(AwaitingRemoteSnapshot); err != nil {
		return nil, p.fail(ctx, tx, err)
	}
	p.metrics.countReceived(req.TreeData)
	if err := tx.receiver.Put(ctx, req.TreeData); err != nil {
		return nil, p.fail(ctx, tx, err)
	}
	if !req.TreeData.EndOfData {
		return nil, nil
	}
	t, err := tx.receiver.Tree(ctx)
	if err != nil {
		return nil, p.fail(ctx, tx, err)
	}
	tx.mu.Lock()
	tx.received = t
	tx.complete = true
	tx.mu.Unlock()
	return nil, nil
}

func (p *Peer) visit(ctx context.Context, req VisitRequest) (any, error) {
	tx, err := p.transaction(req.TxID)
	if err != nil {
		return nil, err
	}
	tx.mu.Lock()
	complete, received := tx.complete, tx.received
	tx.mu.Unlock()
	if !complete {
		return nil, p.fail(ctx, tx, fmt.Errorf("%w: visit of transaction %s before the end of its tree data",
			ErrTransactionState, tx.id))
	}
	if err := tx.advance(AwaitingRemoteSnapshot, Visiting); err != nil {
		return nil, p.fail(ctx, tx, err)
	}
	v, err := p.visitors.Lookup(tx.grammar.Language, req.Visitor)
	if err != nil {
		p.fail(ctx, tx, err)
		return nil, jsonrpc.InvalidParams(jsonrpc.ID{}, err.Error())
	}

	defer func() {
		if r := recover(); r != nil {
			p.fail(ctx, tx, fmt.Errorf("visitor %s panicked: %v", req.Visitor, r))
			panic(r)
		}
	}()
	after, err := v.Visit(ctx, received, req.P)
	if err != nil {
		return nil, p.fail(ctx, tx, fmt.Errorf("visitor %s: %w", req.Visitor, err))
	}
	tx.mu.Lock()
	tx.after = after
	tx.scan = req.Scan
	tx.mu.Unlock()
	if err := tx.advance(Visiting, SendingResult); err != nil {
		return nil, p.fail(ctx, tx, err)
	}
	return nil, nil
}

func (p *Peer) getTreeData(ctx context.Context, req GetTreeDataRequest) (any, error) {
	tx, err := p.transaction(req.TxID)
	if err != nil {
		return nil, err
	}
	if err := tx.expect(SendingResult); err != nil {
		return nil, p.fail(ctx, tx, err)
	}
	// drained is read and the walk attached under tx.mu, so a walk released at the
	// end of the result is never started again.
	tx.mu.Lock()
	if tx.scan {
		tx.mu.Unlock()
		return nil, p.fail(ctx, tx, fmt.Errorf("%w: scan %s has no result", ErrTransactionState, tx.id))
	}
	if tx.drained {
		tx.mu.Unlock()
		return nil, fmt.Errorf("%w: result of %s already sent", ErrTransactionState, tx.id)
	}
	received, after := tx.received, tx.after
	s, started := p.serving.attach(tx.treeID, func() *tree.Sender {
		return tree.NewSender(tx.ctx, tx.grammar.Sender, p.served.send, received, after, p.batchSize, p.queueSize)
	})
	tx.mu.Unlock()
	if started {
		p.metrics.walkStarted(responderRole)
	} else {
		p.logger.Debug("joined running tree walk", log.ZContext(ctx), zap.Stringer("tree", tx.treeID))
	}

	b, err := s.Next(ctx)
	switch {
	case errors.Is(err, tree.ErrDrained):
		// another call took the end of the result
		return nil, fmt.Errorf("%w: result of %s already sent", ErrTransactionState, tx.id)
	case err != nil:
		return nil, p.fail(ctx, tx, err)
	}
	p.metrics.countSent(b)
	if b.EndOfData {
		tx.mu.Lock()
		tx.drained = true
		p.serving.release(tx.treeID, s)
		tx.mu.Unlock()
	}
	return b, nil
}

func (p *Peer) endTransaction(ctx context.Context, req EndTransactionRequest) (any, error) {
	p.txMu.Lock()
	tx, ok := p.txs[req.TxID]
	p.txMu.Unlock()
	switch {
	case !ok && req.Aborted:
		// failed here before, or never started
		p.served.reset()
		return nil, nil
	case !ok:
		return nil, fmt.Errorf("%w: unknown transaction %s", ErrTransactionState, req.TxID)
	case req.Aborted:
		p.abortServed(tx)
		p.logger.Debug("transaction aborted by issuer", log.ZContext(ctx), zap.Stringer("tx", tx.id))
		return nil, nil
	}

	tx.mu.Lock()
	ready := tx.state == SendingResult && (tx.scan || tx.drained)
	snapshot := tx.after
	if tx.scan {
		snapshot = tx.received
	}
	tx.mu.Unlock()
	if !ready {
		return nil, p.fail(ctx, tx, fmt.Errorf("%w: transaction %s ended before its result was sent",
			ErrTransactionState, tx.id))
	}
	p.removeTransaction(tx)
	p.servedSnapshots.update(tx.treeID, snapshot)
	if tx.finish(Closed) && p.metrics != nil {
		p.metrics.servedClosed.Inc()
		p.metrics.open.Dec()
	}
	p.logger.Debug("transaction closed", log.ZContext(ctx), zap.Stringer("tx", tx.id))
	return nil, nil
}

func (p *Peer) transaction(id uuid.UUID) (*transaction, error) {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	tx, ok := p.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown transaction %s", ErrTransactionState, id)
	}
	return tx, nil
}

func (p *Peer) removeTransaction(tx *transaction) {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	if p.txs[tx.id] == tx {
		delete(p.txs, tx.id)
	}
}

// fail aborts a served transaction after a local failure and returns err.
func (p *Peer) fail(ctx context.Context, tx *transaction, err error) error {
	p.abortServed(tx)
	p.logger.Debug("transaction failed",
		log.ZContext(ctx),
		zap.Stringer("tx", tx.id),
		zap.Stringer("tree", tx.treeID),
		zap.Error(err),
	)
	return err
}

// abortServed drops the transaction with its snapshot, its running encode task and
// the references received from the issuer.
func (p *Peer) abortServed(tx *transaction) {
	p.removeTransaction(tx)
	if !tx.finish(Aborted) {
		return
	}
	p.serving.release(tx.treeID, nil)
	p.servedSnapshots.Remove(tx.treeID)
	p.served.reset()
	if p.metrics != nil {
		p.metrics.servedAborted.Inc()
		p.metrics.open.Dec()
	}
}
