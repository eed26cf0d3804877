package jsontree

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/spacemeshos/go-treerpc/tree"
)

// Sender writes JSON nodes into a send queue. Every node starts with its id, prefix
// and markers, followed by the fields of its concrete type.
type Sender struct{}

func (s Sender) Send(q *tree.SendQueue, t tree.Tree) error {
	j, ok := t.(Json)
	if !ok {
		return fmt.Errorf("not a json tree: %T", t)
	}
	return s.visit(q, j)
}

func (s Sender) visit(q *tree.SendQueue, j Json) error {
	if err := s.preVisit(q, j); err != nil {
		return err
	}
	switch n := j.(type) {
	case *Document:
		return s.document(q, n)
	case *Object:
		return tree.GetAndSendList(q, n,
			func(o *Object) []*RightPadded { return o.Members },
			paddedID,
			func(p *RightPadded) error { return s.padded(q, p) },
		)
	case *Member:
		return s.member(q, n)
	case *Array:
		return tree.GetAndSendList(q, n,
			func(a *Array) []*RightPadded { return a.Values },
			paddedID,
			func(p *RightPadded) error { return s.padded(q, p) },
		)
	case *Literal:
		return sendAll(
			func() error { return tree.GetAndSend(q, n, func(l *Literal) string { return l.Source }) },
			func() error { return tree.GetAndSend(q, n, func(l *Literal) any { return l.Value }) },
		)
	case *Identifier:
		return tree.GetAndSend(q, n, func(i *Identifier) string { return i.Name })
	case *Empty:
		return nil
	}
	return fmt.Errorf("unknown json node %T", j)
}

func (s Sender) preVisit(q *tree.SendQueue, j Json) error {
	return sendAll(
		func() error { return tree.GetAndSend(q, j, func(j Json) uuid.UUID { return j.TreeID() }) },
		func() error { return tree.GetAndSendRef(q, j, func(j Json) *Space { return j.base().Prefix }) },
		func() error { return tree.GetAndSendRef(q, j, func(j Json) *Markers { return j.base().Markers }) },
	)
}

func (s Sender) document(q *tree.SendQueue, d *Document) error {
	return sendAll(
		func() error { return tree.GetAndSend(q, d, func(d *Document) string { return d.SourcePath }) },
		func() error { return tree.GetAndSend(q, d, func(d *Document) string { return d.Charset }) },
		func() error { return tree.GetAndSend(q, d, func(d *Document) bool { return d.CharsetBomMarked }) },
		func() error {
			return tree.GetAndSendTree(q, d,
				func(d *Document) Json { return d.Value },
				func(v Json) error { return s.visit(q, v) },
			)
		},
		func() error { return tree.GetAndSendRef(q, d, func(d *Document) *Space { return d.EOF }) },
	)
}

func (s Sender) member(q *tree.SendQueue, m *Member) error {
	return sendAll(
		func() error {
			return tree.GetAndSendTree(q, m,
				func(m *Member) *RightPadded { return m.Key },
				func(p *RightPadded) error { return s.padded(q, p) },
			)
		},
		func() error {
			return tree.GetAndSendTree(q, m,
				func(m *Member) Json { return m.Value },
				func(v Json) error { return s.visit(q, v) },
			)
		},
	)
}

func (s Sender) padded(q *tree.SendQueue, p *RightPadded) error {
	return sendAll(
		func() error {
			return tree.GetAndSendTree(q, p,
				func(p *RightPadded) Json { return p.Element },
				func(e Json) error { return s.visit(q, e) },
			)
		},
		func() error { return tree.GetAndSendRef(q, p, func(p *RightPadded) *Space { return p.After }) },
		func() error { return tree.GetAndSendRef(q, p, func(p *RightPadded) *Markers { return p.Markers }) },
	)
}

func sendAll(steps ...func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
