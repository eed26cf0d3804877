// Package jsonrpc correlates requests and responses exchanged with a peer over an
// abstract Transport and dispatches inbound requests to registered handlers.
package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/spacemeshos/go-treerpc/log"
)

// Handler serves one method. Params are passed as the peer sent them: named
// parameters or a slice of positional ones. A returned *Error keeps its code in the
// response, any other error is reported as CodeInternalError.
type Handler func(ctx context.Context, params any) (any, error)

// Opt is a type to configure a dispatcher.
type Opt func(d *Dispatcher)

// WithLogger configures logger for the dispatcher.
func WithLogger(logger *zap.Logger) Opt {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithName sets the name used in logs and metric labels.
func WithName(name string) Opt {
	return func(d *Dispatcher) {
		d.name = name
	}
}

// WithTimeout bounds how long a call waits for its response, measured from Send.
// Zero disables the timeout.
func WithTimeout(timeout time.Duration) Opt {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithWorkers sets the number of handlers that may run concurrently.
//
// Defaults to 4.
func WithWorkers(n int) Opt {
	return func(d *Dispatcher) {
		d.workers = n
	}
}

// WithQueueSize parametrizes the number of accepted requests that wait for a worker.
// Requests that don't fit are answered with an internal error right away.
//
// Defaults to 1000.
func WithQueueSize(size int) Opt {
	return func(d *Dispatcher) {
		d.queueSize = size
	}
}

// WithRequestsPerInterval limits the rate at which queued requests are handed to workers.
func WithRequestsPerInterval(n int, interval time.Duration) Opt {
	return func(d *Dispatcher) {
		d.requestsPerInterval = n
		d.interval = interval
	}
}

// WithClock sets the clock used for call timeouts.
func WithClock(clock clockwork.Clock) Opt {
	return func(d *Dispatcher) {
		d.clock = clock
	}
}

// WithMetrics will enable metrics collection in the dispatcher.
func WithMetrics() Opt {
	return func(d *Dispatcher) {
		d.withMetrics = true
	}
}

type request struct {
	msg      *Request
	handler  Handler
	received time.Time
}

// Dispatcher owns the method registry, the table of outstanding requests and the
// reader loop of one connection.
type Dispatcher struct {
	logger              *zap.Logger
	name                string
	transport           Transport
	clock               clockwork.Clock
	timeout             time.Duration
	workers             int
	queueSize           int
	requestsPerInterval int
	interval            time.Duration
	withMetrics         bool

	metrics *tracker // metrics can be nil

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	// sendMu serializes writes to the transport.
	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[ID]*Future
	lastID  uint64
	closed  bool

	// replies tracks responses written outside of the worker pool.
	replies sync.WaitGroup
	// done is closed when Run returns.
	done chan struct{}
}

// New creates a dispatcher on top of the transport.
func New(t Transport, opts ...Opt) *Dispatcher {
	d := &Dispatcher{
		logger:    zap.NewNop(),
		name:      "jsonrpc",
		transport: t,
		clock:     clockwork.NewRealClock(),
		timeout:   10 * time.Second,
		workers:   4,
		queueSize: 1000,
		interval:  time.Second,
		handlers:  make(map[string]Handler),
		pending:   make(map[ID]*Future),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers < 1 {
		d.workers = 1
	}
	if d.withMetrics {
		d.metrics = newTracker(d.name)
	}
	d.logger = d.logger.With(zap.String("dispatcher", d.name))
	return d
}

// Register installs the handler for the method, replacing a previous one.
func (d *Dispatcher) Register(method string, h Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[method] = h
}

func (d *Dispatcher) handler(method string) (Handler, bool) {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	h, ok := d.handlers[method]
	return h, ok
}

// Send writes the request and returns a future for its response. A request without
// an id gets one from the dispatcher; an explicit id must not be outstanding.
// The request is copied, so it can be reused by the caller.
func (d *Dispatcher) Send(ctx context.Context, req *Request) (*Future, error) {
	if req.Method == "" {
		return nil, errors.New("request without method")
	}
	r := *req
	f := &Future{
		d:       d,
		method:  r.Method,
		started: d.clock.Now(),
		done:    make(chan struct{}),
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if r.ID.IsNull() {
		for {
			d.lastID++
			id := StringID(strconv.FormatUint(d.lastID, 36))
			if _, exists := d.pending[id]; !exists {
				r.ID = id
				break
			}
		}
	} else if _, exists := d.pending[r.ID]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
	}
	f.id = r.ID
	d.pending[r.ID] = f
	d.updateOutstanding()
	if d.timeout > 0 {
		f.timer = d.clock.AfterFunc(d.timeout, f.expire)
	}
	d.mu.Unlock()

	if err := d.write(ctx, &r); err != nil {
		d.forget(f)
		f.resolve(nil, err)
		return nil, fmt.Errorf("send %s: %w", r.Method, err)
	}
	d.logger.Debug("request sent",
		log.ZContext(ctx),
		zap.Stringer("id", r.ID),
		zap.String("method", r.Method),
	)
	return f, nil
}

// Call sends a request and waits for its result.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (any, error) {
	f, err := d.Send(ctx, &Request{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Notify sends a request that the peer never answers.
func (d *Dispatcher) Notify(ctx context.Context, method string, params any) error {
	if method == "" {
		return errors.New("notification without method")
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := d.write(ctx, &Request{Method: method, Params: params}); err != nil {
		return fmt.Errorf("notify %s: %w", method, err)
	}
	return nil
}

// Done is closed once Run has returned and every handler has finished.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Outstanding returns the number of requests waiting for a response.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run reads inbound messages until the context is cancelled or the transport fails.
// It must be called once. On exit every outstanding request fails with ErrClosed and
// running handlers are waited for. A transport that reports io.EOF ends the loop
// without an error.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var limit *rate.Limiter
	if d.requestsPerInterval > 0 {
		limit = rate.NewLimiter(rate.Every(d.interval/time.Duration(d.requestsPerInterval)), d.requestsPerInterval)
	}
	queue := make(chan request, d.queueSize)
	if d.metrics != nil {
		d.metrics.targetQueue.Set(float64(d.queueSize))
	}

	var eg errgroup.Group
	eg.Go(func() error {
		d.serve(ctx, queue, limit)
		return nil
	})
	err := d.read(ctx, queue)
	cancel()
	d.shutdown()
	eg.Wait()
	d.replies.Wait()
	return err
}

func (d *Dispatcher) read(ctx context.Context, queue chan<- request) error {
	for {
		msg, err := d.transport.Receive(ctx)
		var malformed *MalformedError
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF):
			d.logger.Debug("transport closed")
			return nil
		case errors.As(err, &malformed):
			d.logger.Warn("malformed message", zap.Stringer("id", malformed.ID), zap.Error(err))
			if !malformed.ID.IsNull() {
				d.reply(ctx, malformed.response())
			}
			continue
		default:
			d.logger.Error("receive failed", zap.Error(err))
			return fmt.Errorf("receive: %w", err)
		}
		switch m := msg.(type) {
		case *Request:
			d.accept(ctx, m, queue)
		case *Success:
			d.complete(m.ID, m.Result, nil)
		case *Error:
			if m.ID.IsNull() {
				d.logger.Warn("uncorrelated error fails all outstanding requests",
					zap.Int("code", m.Code),
					zap.String("message", m.Message),
				)
				d.failAll(m)
				continue
			}
			d.complete(m.ID, nil, m)
		default:
			d.logger.Warn("unexpected message", zap.Any("message", msg))
		}
	}
}

func (d *Dispatcher) accept(ctx context.Context, m *Request, queue chan<- request) {
	if m.Method == "" {
		if !m.IsNotification() {
			d.reply(ctx, InvalidRequest(m.ID, "empty method"))
		}
		return
	}
	h, ok := d.handler(m.Method)
	if !ok {
		d.logger.Debug("method not found", zap.Stringer("id", m.ID), zap.String("method", m.Method))
		if !m.IsNotification() {
			d.reply(ctx, MethodNotFound(m.ID, m.Method))
		}
		return
	}
	select {
	case queue <- request{msg: m, handler: h, received: d.clock.Now()}:
		if d.metrics != nil {
			d.metrics.queue.Set(float64(len(queue)))
			d.metrics.accepted.Inc()
		}
	default:
		if d.metrics != nil {
			d.metrics.dropped.Inc()
		}
		d.logger.Warn("request queue is full", zap.Stringer("id", m.ID), zap.String("method", m.Method))
		if !m.IsNotification() {
			d.reply(ctx, InternalError(m.ID, "request queue is full"))
		}
	}
}

func (d *Dispatcher) serve(ctx context.Context, queue <-chan request, limit *rate.Limiter) {
	var eg errgroup.Group
	eg.SetLimit(d.workers)
	defer eg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-queue:
			if limit != nil {
				if err := limit.Wait(ctx); err != nil {
					return
				}
			}
			eg.Go(func() error {
				d.handle(ctx, req)
				return nil
			})
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, req request) {
	if req.msg.IsNotification() {
		ctx = log.WithNewRequestID(ctx)
	} else {
		ctx = log.WithRequestID(ctx, req.msg.ID.String())
	}
	start := d.clock.Now()
	result, err := d.invoke(ctx, req)
	if d.metrics != nil {
		d.metrics.serverLatency.Observe(d.clock.Since(req.received).Seconds())
		if err == nil {
			d.metrics.completed.Inc()
		} else {
			d.metrics.failed.Inc()
		}
	}
	d.logger.Debug("handler execution time",
		log.ZContext(ctx),
		zap.String("method", req.msg.Method),
		zap.Duration("duration", d.clock.Since(start)),
		zap.Error(err),
	)
	if req.msg.IsNotification() {
		return
	}
	var resp Message
	if err != nil {
		resp = errorResponse(req.msg.ID, err)
	} else {
		resp = &Success{ID: req.msg.ID, Result: result}
	}
	if err := d.write(ctx, resp); err != nil {
		d.logger.Debug("failed to write response",
			log.ZContext(ctx),
			zap.String("method", req.msg.Method),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, req request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				log.ZContext(ctx),
				zap.String("method", req.msg.Method),
				zap.Any("panic", r),
			)
			err = &Error{
				Code:    CodeInternalError,
				Message: fmt.Sprintf("Internal error: %v", r),
				Data:    string(debug.Stack()),
			}
		}
	}()
	return req.handler(ctx, req.msg.Params)
}

func errorResponse(id ID, err error) *Error {
	var rerr *Error
	if errors.As(err, &rerr) && rerr.Code != 0 {
		return &Error{ID: id, Code: rerr.Code, Message: rerr.Message, Data: rerr.Data}
	}
	return InternalError(id, err.Error())
}

// reply writes a response produced by the reader loop without blocking it.
func (d *Dispatcher) reply(ctx context.Context, msg Message) {
	d.replies.Add(1)
	go func() {
		defer d.replies.Done()
		if err := d.write(ctx, msg); err != nil {
			d.logger.Debug("failed to write reply", zap.Stringer("id", msg.MessageID()), zap.Error(err))
		}
	}()
}

func (d *Dispatcher) write(ctx context.Context, msg Message) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	return d.transport.Send(ctx, msg)
}

func (d *Dispatcher) complete(id ID, result any, err error) {
	d.mu.Lock()
	f, ok := d.pending[id]
	delete(d.pending, id)
	d.updateOutstanding()
	d.mu.Unlock()
	if !ok {
		d.logger.Warn("response for unknown request", zap.Stringer("id", id))
		return
	}
	d.observe(f, err)
	f.resolve(result, err)
}

func (d *Dispatcher) failAll(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[ID]*Future)
	d.updateOutstanding()
	d.mu.Unlock()
	for _, f := range pending {
		d.observe(f, err)
		f.resolve(nil, err)
	}
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.failAll(ErrClosed)
}

// forget drops the pending entry of a request that is no longer waited for.
func (d *Dispatcher) forget(f *Future) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[f.id] == f {
		delete(d.pending, f.id)
		d.updateOutstanding()
	}
}

func (d *Dispatcher) updateOutstanding() {
	if d.metrics != nil {
		d.metrics.outstanding.Set(float64(len(d.pending)))
	}
}

func (d *Dispatcher) observe(f *Future, err error) {
	if d.metrics == nil {
		return
	}
	latency := d.clock.Since(f.started).Seconds()
	switch {
	case err == nil:
		d.metrics.clientLatency.Observe(latency)
	case errors.Is(err, ErrTimeout):
		d.metrics.clientLatencyTimeout.Observe(latency)
	default:
		d.metrics.clientLatencyFailure.Observe(latency)
	}
}

// NumAcceptedRequests returns the number of accepted requests for this dispatcher.
// It is used for testing.
func (d *Dispatcher) NumAcceptedRequests() int {
	if d.metrics == nil {
		return -1
	}
	m := &dto.Metric{}
	if err := d.metrics.accepted.Write(m); err != nil {
		panic("failed to get metric: " + err.Error())
	}
	return int(m.Counter.GetValue())
}
