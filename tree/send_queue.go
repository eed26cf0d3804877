package tree

import (
	"errors"

	"github.com/google/uuid"
)

// SendQueue buffers diff tokens and drains them in batches. It tracks the
// counterpart (before) of the value being sent so that field getters can be
// applied to both sides.
type SendQueue struct {
	batchSize int
	batch     []Datum
	before    any
	refs      *SendRefs
	drain     func(Batch) error
}

// NewSendQueue creates a queue that diffs against before (nil for a full transfer)
// and hands every batch of batchSize tokens to drain.
func NewSendQueue(batchSize int, before Tree, refs *SendRefs, drain func(Batch) error) *SendQueue {
	if batchSize < 1 {
		batchSize = 1
	}
	q := &SendQueue{
		batchSize: batchSize,
		batch:     make([]Datum, 0, batchSize),
		refs:      refs,
		drain:     drain,
	}
	if !isNil(before) {
		q.before = before
	}
	return q
}

func (q *SendQueue) put(d Datum) error {
	q.batch = append(q.batch, d)
	if len(q.batch) >= q.batchSize {
		return q.flush(false)
	}
	return nil
}

func (q *SendQueue) flush(end bool) error {
	if len(q.batch) == 0 && !end {
		return nil
	}
	b := Batch{Data: q.batch, EndOfData: end}
	q.batch = make([]Datum, 0, q.batchSize)
	return q.drain(b)
}

// descend runs fn with before as the counterpart of the value being sent.
func (q *SendQueue) descend(before any, fn func() error) error {
	last := q.before
	q.before = before
	defer func() { q.before = last }()
	return fn()
}

func beforeOf[P, T any](q *SendQueue, get func(P) T) (T, bool) {
	var zero T
	if isNil(q.before) {
		return zero, false
	}
	p, ok := q.before.(P)
	if !ok {
		return zero, false
	}
	return get(p), true
}

// GetAndSend sends the leaf value returned by get, by value.
func GetAndSend[P, T any](q *SendQueue, parent P, get func(P) T) error {
	after := get(parent)
	before, ok := beforeOf(q, get)
	switch {
	case ok && same(before, after), !ok && isNil(after):
		return q.put(Datum{State: NoChange})
	case !ok || isNil(before):
		return q.put(Datum{State: Add, ValueType: valueTypeOf(after), Value: after})
	case isNil(after):
		return q.put(Datum{State: Delete})
	default:
		return q.put(Datum{State: Change, ValueType: valueTypeOf(after), Value: after})
	}
}

// GetAndSendRef sends the leaf value returned by get by reference: the first time a
// value is seen on the connection it is sent with its payload and a new ref id,
// afterwards only the ref id is sent. A changed value is sent the same way, so
// values are never transmitted twice. Values should be pointers.
func GetAndSendRef[P, T any](q *SendQueue, parent P, get func(P) T) error {
	after := get(parent)
	before, ok := beforeOf(q, get)
	switch {
	case ok && same(before, after), !ok && isNil(after):
		return q.put(Datum{State: NoChange})
	case isNil(after):
		return q.put(Datum{State: Delete})
	}
	if !hashable(after) {
		return q.put(Datum{State: Add, ValueType: valueTypeOf(after), Value: after})
	}
	ref, known := q.refs.Intern(after)
	if known {
		return q.put(Datum{State: Add, ValueType: valueTypeOf(after), Ref: &ref})
	}
	return q.put(Datum{State: Add, ValueType: valueTypeOf(after), Value: after, Ref: &ref})
}

// GetAndSendTree sends the composite value returned by get. A changed value is
// announced with CHANGE and visited against its counterpart, an added one with ADD
// carrying its type (and id for trees) and visited against nothing.
func GetAndSendTree[P, T any](q *SendQueue, parent P, get func(P) T, visit func(T) error) error {
	after := get(parent)
	before, ok := beforeOf(q, get)
	return sendComposite(q, after, before, ok, visit)
}

func sendComposite[T any](q *SendQueue, after, before T, hasBefore bool, visit func(T) error) error {
	switch {
	case hasBefore && same(before, after), !hasBefore && isNil(after):
		return q.put(Datum{State: NoChange})
	case isNil(after):
		return q.put(Datum{State: Delete})
	case !hasBefore || isNil(before) || valueTypeOf(before) != valueTypeOf(after):
		return q.sendAdded(after, func() error { return visit(after) })
	default:
		if err := q.put(Datum{State: Change}); err != nil {
			return err
		}
		return q.descend(before, func() error { return visit(after) })
	}
}

func (q *SendQueue) sendAdded(after any, visit func() error) error {
	if err := q.put(Datum{State: Add, ValueType: valueTypeOf(after), Value: idOf(after)}); err != nil {
		return err
	}
	return q.descend(nil, visit)
}

// GetAndSendList sends the list returned by get. Elements are matched with the
// prior list by id. A CHANGE token carrying the position array is followed by one
// token per element: NO_CHANGE for the identical prior element, CHANGE and a nested
// diff for a changed one, ADD and a full send for a new one.
func GetAndSendList[P, T any](q *SendQueue, parent P, get func(P) []T, id func(T) uuid.UUID, visit func(T) error) error {
	after := get(parent)
	before, ok := beforeOf(q, get)
	switch {
	case ok && same(before, after), !ok && after == nil:
		return q.put(Datum{State: NoChange})
	case after == nil:
		return q.put(Datum{State: Delete})
	}
	if !ok {
		before = nil
	}
	positions := ListDifferences(after, before, id)
	if err := q.put(Datum{State: Change, Value: positions}); err != nil {
		return err
	}
	for i, a := range after {
		pos := positions[i]
		if pos == AddedListItem {
			if err := q.sendAdded(a, func() error { return visit(a) }); err != nil {
				return err
			}
			continue
		}
		if err := sendComposite(q, a, before[pos], true, visit); err != nil {
			return err
		}
	}
	return nil
}

// SendTree sends the root after against the queue's before tree and flushes the
// final batch with EndOfData set.
func SendTree(q *SendQueue, after Tree, visit func(Tree) error) error {
	var before Tree
	if q.before != nil {
		t, ok := q.before.(Tree)
		if !ok {
			return errors.New("send queue is not positioned at a tree")
		}
		before = t
	}
	if err := sendComposite(q, after, before, before != nil, visit); err != nil {
		return err
	}
	return q.flush(true)
}
