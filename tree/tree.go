// Package tree transfers immutable trees between peers as a stream of diff tokens
// computed against the last state the receiving side is known to hold.
//
// Tokens are produced and consumed in a fixed pre-order that is shared by the
// TreeSender and TreeReceiver of one grammar. Decoding is only well defined when
// tokens arrive in exactly the order the sender of the same grammar emits them.
package tree

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AddedListItem marks a list position without a counterpart in the prior list.
const AddedListItem = -1

// ErrProtocol is returned for truncated, out of order or otherwise malformed token streams.
var ErrProtocol = errors.New("tree protocol error")

// Tree is an immutable node identified by a stable id.
type Tree interface {
	TreeID() uuid.UUID
	// TreeType names the node type within its grammar. It is used to construct
	// empty nodes on the receiving side.
	TreeType() string
}

// Language names a grammar.
type Language string

// State is the instruction carried by a Datum.
type State uint8

const (
	NoChange State = iota
	Add
	Delete
	Change
)

func (s State) String() string {
	switch s {
	case NoChange:
		return "NO_CHANGE"
	case Add:
		return "ADD"
	case Delete:
		return "DELETE"
	case Change:
		return "CHANGE"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Datum describes how one field or node differs between two snapshots.
type Datum struct {
	State State `mapstructure:"state"`
	// ValueType is set when a composite value is added, so that the receiver can
	// construct an empty instance, and for non-scalar leaf values.
	ValueType string `mapstructure:"valueType"`
	// Value is the payload of a leaf, the id of an added tree or the position
	// array of a changed list.
	Value any `mapstructure:"value"`
	// Ref is the connection scoped id of a value sent by reference.
	Ref *int `mapstructure:"ref"`
}

func (d Datum) String() string {
	s := d.State.String()
	if d.ValueType != "" {
		s += " " + d.ValueType
	}
	if d.Ref != nil {
		s += fmt.Sprintf(" ref=%d", *d.Ref)
	}
	if d.Value != nil {
		s += fmt.Sprintf(" %v", d.Value)
	}
	return s
}

// Batch is the unit exchanged per round trip. The last batch of a tree has
// EndOfData set, possibly with no data.
type Batch struct {
	Data      []Datum `mapstructure:"data"`
	EndOfData bool    `mapstructure:"endOfData"`
}

// TreeSender writes the fields of t in the grammar's fixed order. The queue's
// before cursor points at the counterpart of t.
type TreeSender interface {
	Send(q *SendQueue, t Tree) error
}

// TreeReceiver reads the fields of t in the same order its TreeSender writes them
// and returns the updated node. New constructs an empty instance of an added value,
// for trees the value is the tree id.
type TreeReceiver interface {
	Receive(q *ReceiveQueue, t Tree) (Tree, error)
	New(valueType string, value any) (any, error)
}
