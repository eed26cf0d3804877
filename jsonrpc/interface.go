package jsonrpc

import (
	"context"
)

//go:generate mockgen -typed -package=jsonrpc -destination=./mocks.go -source=./interface.go

// Transport moves whole messages between two peers. Framing and encoding are the
// transport's business. Send may be called from several goroutines, the dispatcher
// serializes the calls. Receive is only called from the dispatcher's reader loop.
//
// Receive returns *MalformedError for a delivery that could not be decoded and
// io.EOF once the peer has gone away.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
}
