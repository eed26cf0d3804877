package jsonrpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Future is the pending result of a request sent with Dispatcher.Send.
type Future struct {
	d       *Dispatcher
	id      ID
	method  string
	started time.Time
	// timer expires the request; nil without a timeout.
	timer clockwork.Timer

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

// ID returns the id the request was sent with.
func (f *Future) ID() ID {
	return f.id
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the response arrives, the dispatcher timeout expires or the
// context is cancelled. A cancelled context forgets the request, so a late response
// is dropped. Other requests are not affected.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.d.forget(f)
		f.resolve(nil, ctx.Err())
	}
	return f.result, f.err
}

func (f *Future) expire() {
	f.d.forget(f)
	err := fmt.Errorf("%w: %s %s after %s", ErrTimeout, f.method, f.id, f.d.timeout)
	if f.resolve(nil, err) {
		f.d.observe(f, err)
	}
}

func (f *Future) resolve(result any, err error) bool {
	resolved := false
	f.once.Do(func() {
		if f.timer != nil {
			f.timer.Stop()
		}
		f.result, f.err = result, err
		close(f.done)
		resolved = true
	})
	return resolved
}
