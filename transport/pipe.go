// Package transport provides an in-memory jsonrpc.Transport and decorators that
// trace and meter any transport.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/spacemeshos/go-treerpc/jsonrpc"
)

var _ jsonrpc.Transport = (*PipeEnd)(nil)

type delivery struct {
	msg jsonrpc.Message
	err error
}

type pipe struct {
	once   sync.Once
	closed chan struct{}
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.closed) })
}

// PipeEnd is one side of a Pipe.
type PipeEnd struct {
	p   *pipe
	in  <-chan delivery
	out chan<- delivery
}

// Pipe returns two connected ends. Each direction buffers up to capacity messages,
// after which Send blocks until the other end receives. Messages are passed by
// reference and must not be modified after Send.
func Pipe(capacity int) (*PipeEnd, *PipeEnd) {
	p := &pipe{closed: make(chan struct{})}
	ab := make(chan delivery, capacity)
	ba := make(chan delivery, capacity)
	return &PipeEnd{p: p, in: ba, out: ab}, &PipeEnd{p: p, in: ab, out: ba}
}

// Send delivers the message to the other end.
func (e *PipeEnd) Send(ctx context.Context, msg jsonrpc.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	return e.deliver(ctx, delivery{msg: msg})
}

// Inject makes the other end's Receive return err, as a transport does for a
// delivery it failed to decode.
func (e *PipeEnd) Inject(ctx context.Context, err error) error {
	return e.deliver(ctx, delivery{err: err})
}

func (e *PipeEnd) deliver(ctx context.Context, d delivery) error {
	select {
	case <-e.p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case e.out <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.p.closed:
		return io.ErrClosedPipe
	}
}

// Receive returns the next message. Messages buffered before Close are still
// returned, after that Receive returns io.EOF.
func (e *PipeEnd) Receive(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case d := <-e.in:
		return d.msg, d.err
	default:
	}
	select {
	case d := <-e.in:
		return d.msg, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.p.closed:
		select {
		case d := <-e.in:
			return d.msg, d.err
		default:
			return nil, io.EOF
		}
	}
}

// Close closes both ends of the pipe.
func (e *PipeEnd) Close() error {
	e.p.close()
	return nil
}
