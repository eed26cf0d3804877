package jsontree

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/spacemeshos/go-treerpc/tree"
)

// Receiver reads JSON nodes from a receive queue in the order Sender writes them.
// Nodes are never modified in place, a received node is a copy of its prior version.
type Receiver struct{}

func (r Receiver) Receive(q *tree.ReceiveQueue, t tree.Tree) (tree.Tree, error) {
	j, ok := t.(Json)
	if !ok {
		return nil, fmt.Errorf("not a json tree: %T", t)
	}
	return r.visit(q, j)
}

// New constructs the empty node announced by an ADD token.
func (Receiver) New(valueType string, value any) (any, error) {
	if valueType == rightPaddedType {
		return &RightPadded{}, nil
	}
	id, err := tree.As[uuid.UUID](value)
	if err != nil {
		return nil, err
	}
	b := Base{ID: id}
	switch valueType {
	case documentType:
		return &Document{Base: b}, nil
	case objectType:
		return &Object{Base: b}, nil
	case memberType:
		return &Member{Base: b}, nil
	case arrayType:
		return &Array{Base: b}, nil
	case literalType:
		return &Literal{Base: b}, nil
	case identifierType:
		return &Identifier{Base: b}, nil
	case emptyType:
		return &Empty{Base: b}, nil
	}
	return nil, fmt.Errorf("unknown json type %q", valueType)
}

func (r Receiver) visit(q *tree.ReceiveQueue, j Json) (Json, error) {
	b, err := r.preVisit(q, j.base())
	if err != nil {
		return nil, err
	}
	switch n := j.(type) {
	case *Document:
		return r.document(q, n, b)
	case *Object:
		c := *n
		c.Base = b
		c.Members, err = tree.ReceiveList(q, n.Members, r.paddedVisitor(q))
		return &c, err
	case *Member:
		return r.member(q, n, b)
	case *Array:
		c := *n
		c.Base = b
		c.Values, err = tree.ReceiveList(q, n.Values, r.paddedVisitor(q))
		return &c, err
	case *Literal:
		c := *n
		c.Base = b
		if c.Source, err = tree.Receive(q, n.Source); err != nil {
			return nil, err
		}
		c.Value, err = tree.Receive(q, n.Value)
		return &c, err
	case *Identifier:
		c := *n
		c.Base = b
		c.Name, err = tree.Receive(q, n.Name)
		return &c, err
	case *Empty:
		c := *n
		c.Base = b
		return &c, nil
	}
	return nil, fmt.Errorf("unknown json node %T", j)
}

func (r Receiver) preVisit(q *tree.ReceiveQueue, before *Base) (Base, error) {
	var (
		b   Base
		err error
	)
	if b.ID, err = tree.Receive(q, before.ID); err != nil {
		return b, err
	}
	if b.Prefix, err = tree.ReceiveRef(q, before.Prefix); err != nil {
		return b, err
	}
	b.Markers, err = tree.ReceiveRef(q, before.Markers)
	return b, err
}

func (r Receiver) document(q *tree.ReceiveQueue, d *Document, b Base) (Json, error) {
	c := *d
	c.Base = b
	var err error
	if c.SourcePath, err = tree.Receive(q, d.SourcePath); err != nil {
		return nil, err
	}
	if c.Charset, err = tree.Receive(q, d.Charset); err != nil {
		return nil, err
	}
	if c.CharsetBomMarked, err = tree.Receive(q, d.CharsetBomMarked); err != nil {
		return nil, err
	}
	if c.Value, err = tree.ReceiveTree(q, d.Value, r.visitor(q)); err != nil {
		return nil, err
	}
	if c.EOF, err = tree.ReceiveRef(q, d.EOF); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r Receiver) member(q *tree.ReceiveQueue, m *Member, b Base) (Json, error) {
	c := *m
	c.Base = b
	var err error
	if c.Key, err = tree.ReceiveTree(q, m.Key, r.paddedVisitor(q)); err != nil {
		return nil, err
	}
	if c.Value, err = tree.ReceiveTree(q, m.Value, r.visitor(q)); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r Receiver) padded(q *tree.ReceiveQueue, p *RightPadded) (*RightPadded, error) {
	c := *p
	var err error
	if c.Element, err = tree.ReceiveTree(q, p.Element, r.visitor(q)); err != nil {
		return nil, err
	}
	if c.After, err = tree.ReceiveRef(q, p.After); err != nil {
		return nil, err
	}
	if c.Markers, err = tree.ReceiveRef(q, p.Markers); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r Receiver) visitor(q *tree.ReceiveQueue) func(Json) (Json, error) {
	return func(j Json) (Json, error) { return r.visit(q, j) }
}

func (r Receiver) paddedVisitor(q *tree.ReceiveQueue) func(*RightPadded) (*RightPadded, error) {
	return func(p *RightPadded) (*RightPadded, error) { return r.padded(q, p) }
}
