package tree

import (
	"fmt"
)

// Factory constructs an empty instance of an added composite value.
type Factory func(valueType string, value any) (any, error)

// ReceiveQueue consumes diff tokens in the order they were sent.
type ReceiveQueue struct {
	batch   []Datum
	end     bool
	refs    *ReceiveRefs
	factory Factory
	pull    func() (Batch, error)
}

// NewReceiveQueue creates a queue that pulls batches on demand.
func NewReceiveQueue(refs *ReceiveRefs, factory Factory, pull func() (Batch, error)) *ReceiveQueue {
	return &ReceiveQueue{refs: refs, factory: factory, pull: pull}
}

func (q *ReceiveQueue) take() (Datum, error) {
	for len(q.batch) == 0 {
		if q.end {
			return Datum{}, fmt.Errorf("%w: end of tree reached while data was expected", ErrProtocol)
		}
		b, err := q.pull()
		if err != nil {
			return Datum{}, err
		}
		q.batch = b.Data
		q.end = b.EndOfData
	}
	d := q.batch[0]
	q.batch = q.batch[1:]
	return d, nil
}

// Finish verifies that the stream ended exactly where the tree did.
func (q *ReceiveQueue) Finish() error {
	for {
		if len(q.batch) > 0 {
			return fmt.Errorf("%w: %d unexpected trailing tokens", ErrProtocol, len(q.batch))
		}
		if q.end {
			return nil
		}
		b, err := q.pull()
		if err != nil {
			return err
		}
		q.batch = b.Data
		q.end = b.EndOfData
	}
}

func (q *ReceiveQueue) newValue(d Datum) (any, error) {
	if d.ValueType == "" {
		return nil, fmt.Errorf("%w: added value without a type", ErrProtocol)
	}
	v, err := q.factory(d.ValueType, d.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: construct %s: %w", ErrProtocol, d.ValueType, err)
	}
	return v, nil
}

func unexpected(d Datum) error {
	return fmt.Errorf("%w: unexpected %s", ErrProtocol, d.State)
}

// Receive reads a leaf value.
func Receive[T any](q *ReceiveQueue, before T) (T, error) {
	var zero T
	d, err := q.take()
	if err != nil {
		return zero, err
	}
	switch d.State {
	case NoChange:
		return before, nil
	case Delete:
		return zero, nil
	case Add, Change:
		if d.Ref != nil {
			return resolveRef[T](q, d)
		}
		return As[T](d.Value)
	default:
		return zero, unexpected(d)
	}
}

// ReceiveRef reads a leaf value sent by reference.
func ReceiveRef[T any](q *ReceiveQueue, before T) (T, error) {
	var zero T
	d, err := q.take()
	if err != nil {
		return zero, err
	}
	switch d.State {
	case NoChange:
		return before, nil
	case Delete:
		return zero, nil
	case Add, Change:
		if d.Ref == nil {
			return As[T](d.Value)
		}
		return resolveRef[T](q, d)
	default:
		return zero, unexpected(d)
	}
}

// resolveRef returns the interned value of a ref-only token, or interns the payload.
func resolveRef[T any](q *ReceiveQueue, d Datum) (T, error) {
	if d.Value == nil {
		v, ok := q.refs.Get(*d.Ref)
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: unknown ref %d", ErrProtocol, *d.Ref)
		}
		return As[T](v)
	}
	v, err := As[T](d.Value)
	if err != nil {
		return v, err
	}
	q.refs.Put(*d.Ref, v)
	return v, nil
}

// ReceiveTree reads a composite value. An added value is constructed empty by the
// factory and then filled by visit, a changed one is visited starting from before.
func ReceiveTree[T any](q *ReceiveQueue, before T, visit func(T) (T, error)) (T, error) {
	var zero T
	d, err := q.take()
	if err != nil {
		return zero, err
	}
	switch d.State {
	case NoChange:
		return before, nil
	case Delete:
		return zero, nil
	case Add:
		return receiveAdded(q, d, visit)
	case Change:
		if isNil(before) {
			return zero, fmt.Errorf("%w: change without a prior value", ErrProtocol)
		}
		return visit(before)
	default:
		return zero, unexpected(d)
	}
}

func receiveAdded[T any](q *ReceiveQueue, d Datum, visit func(T) (T, error)) (T, error) {
	var zero T
	v, err := q.newValue(d)
	if err != nil {
		return zero, err
	}
	shell, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is not a %T", ErrProtocol, d.ValueType, zero)
	}
	return visit(shell)
}

// ReceiveList reads a list: the position array followed by one token per element.
func ReceiveList[T any](q *ReceiveQueue, before []T, visit func(T) (T, error)) ([]T, error) {
	d, err := q.take()
	if err != nil {
		return nil, err
	}
	switch d.State {
	case NoChange:
		return before, nil
	case Delete:
		return nil, nil
	case Change:
	default:
		return nil, unexpected(d)
	}
	positions, err := As[[]int](d.Value)
	if err != nil {
		return nil, err
	}
	after := make([]T, 0, len(positions))
	for _, pos := range positions {
		if pos != AddedListItem && (pos < 0 || pos >= len(before)) {
			return nil, fmt.Errorf("%w: list position %d out of range [0, %d)", ErrProtocol, pos, len(before))
		}
		e, err := q.take()
		if err != nil {
			return nil, err
		}
		var elem T
		switch {
		case e.State == Add:
			elem, err = receiveAdded(q, e, visit)
		case pos == AddedListItem:
			return nil, fmt.Errorf("%w: %s for an added list element", ErrProtocol, e.State)
		case e.State == NoChange:
			elem = before[pos]
		case e.State == Change:
			elem, err = visit(before[pos])
		case e.State == Delete:
		default:
			return nil, unexpected(e)
		}
		if err != nil {
			return nil, err
		}
		after = append(after, elem)
	}
	return after, nil
}

// ReceiveRoot reads the root tree against before and verifies the end of the stream.
func ReceiveRoot(q *ReceiveQueue, before Tree, visit func(Tree) (Tree, error)) (Tree, error) {
	t, err := ReceiveTree(q, before, visit)
	if err != nil {
		return nil, err
	}
	if err := q.Finish(); err != nil {
		return nil, err
	}
	return t, nil
}
