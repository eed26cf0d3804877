package tree

import (
	"context"
	"errors"
	"fmt"
)

// ErrDrained is returned by Sender.Next after the batch with EndOfData was taken.
var ErrDrained = errors.New("tree data drained")

// Sender walks a tree in the background and feeds its batches into a bounded
// channel. The walk blocks while the channel is full.
type Sender struct {
	batches chan Batch
	done    chan struct{}
	cancel  context.CancelFunc
	err     error
}

// NewSender starts encoding after against before (nil for a full transfer).
// queueSize bounds the number of batches buffered ahead of the consumer.
func NewSender(
	ctx context.Context,
	s TreeSender,
	refs *SendRefs,
	before, after Tree,
	batchSize, queueSize int,
) *Sender {
	ctx, cancel := context.WithCancel(ctx)
	snd := &Sender{
		batches: make(chan Batch, queueSize),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go func() {
		defer close(snd.done)
		q := NewSendQueue(batchSize, before, refs, func(b Batch) error {
			select {
			case snd.batches <- b:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		snd.err = SendTree(q, after, func(t Tree) error {
			return s.Send(q, t)
		})
	}()
	return snd
}

// Next returns the next batch. The last batch has EndOfData set, after it Next
// returns ErrDrained. Several goroutines may call Next, each batch is returned once.
func (s *Sender) Next(ctx context.Context) (Batch, error) {
	select {
	case b := <-s.batches:
		return b, nil
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	case <-s.done:
	}
	select {
	case b := <-s.batches:
		return b, nil
	default:
	}
	if s.err != nil {
		return Batch{}, fmt.Errorf("encode tree: %w", s.err)
	}
	return Batch{}, ErrDrained
}

// Close abandons the walk and waits for it to stop.
func (s *Sender) Close() {
	s.cancel()
	<-s.done
}

// Receiver decodes a tree in the background from batches handed to Put.
type Receiver struct {
	batches chan Batch
	done    chan struct{}
	cancel  context.CancelFunc
	tree    Tree
	err     error
}

// NewReceiver starts decoding against before. queueSize bounds the number of
// batches buffered ahead of the decoder.
func NewReceiver(ctx context.Context, r TreeReceiver, refs *ReceiveRefs, before Tree, queueSize int) *Receiver {
	ctx, cancel := context.WithCancel(ctx)
	rcv := &Receiver{
		batches: make(chan Batch, queueSize),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go func() {
		defer close(rcv.done)
		q := NewReceiveQueue(refs, r.New, func() (Batch, error) {
			select {
			case b := <-rcv.batches:
				return b, nil
			case <-ctx.Done():
				return Batch{}, ctx.Err()
			}
		})
		rcv.tree, rcv.err = ReceiveRoot(q, before, func(t Tree) (Tree, error) {
			return r.Receive(q, t)
		})
	}()
	return rcv
}

// Put hands a batch to the decoder.
func (r *Receiver) Put(ctx context.Context, b Batch) error {
	select {
	case <-r.done:
		return r.finished()
	default:
	}
	select {
	case r.batches <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return r.finished()
	}
}

func (r *Receiver) finished() error {
	if r.err != nil {
		return r.err
	}
	return fmt.Errorf("%w: data after the end of the tree", ErrProtocol)
}

// Tree waits for the decoded tree.
func (r *Receiver) Tree(ctx context.Context) (Tree, error) {
	select {
	case <-r.done:
		return r.tree, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once decoding has finished.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// Close abandons decoding and waits for it to stop.
func (r *Receiver) Close() {
	r.cancel()
	<-r.done
}

// Encode returns the batches of after diffed against before.
func Encode(s TreeSender, refs *SendRefs, before, after Tree, batchSize int) ([]Batch, error) {
	var batches []Batch
	q := NewSendQueue(batchSize, before, refs, func(b Batch) error {
		batches = append(batches, b)
		return nil
	})
	if err := SendTree(q, after, func(t Tree) error { return s.Send(q, t) }); err != nil {
		return nil, err
	}
	return batches, nil
}

// Decode applies batches to before.
func Decode(r TreeReceiver, refs *ReceiveRefs, before Tree, batches []Batch) (Tree, error) {
	q := NewReceiveQueue(refs, r.New, func() (Batch, error) {
		if len(batches) == 0 {
			return Batch{}, fmt.Errorf("%w: stream ended without end of data", ErrProtocol)
		}
		b := batches[0]
		batches = batches[1:]
		return b, nil
	})
	return ReceiveRoot(q, before, func(t Tree) (Tree, error) { return r.Receive(q, t) })
}
