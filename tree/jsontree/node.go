// Package jsontree is the tree grammar for JSON documents. Nodes keep the
// whitespace around them so that a document prints back to its source text.
package jsontree

import (
	"github.com/google/uuid"

	"github.com/spacemeshos/go-treerpc/tree"
)

// Language is the language the grammar is registered under.
const Language tree.Language = "json"

const (
	documentType    = "json.Document"
	objectType      = "json.Object"
	memberType      = "json.Member"
	arrayType       = "json.Array"
	literalType     = "json.Literal"
	identifierType  = "json.Identifier"
	emptyType       = "json.Empty"
	rightPaddedType = "json.RightPadded"
)

// Space is the whitespace preceding or following a node.
type Space struct {
	Whitespace string `mapstructure:"whitespace"`
}

// Markers carry metadata attached to a node.
type Markers struct {
	ID   uuid.UUID `mapstructure:"id"`
	Tags []string  `mapstructure:"tags"`
}

var (
	// EmptySpace is shared by all nodes without whitespace.
	EmptySpace = &Space{}
	// EmptyMarkers is shared by all nodes without markers.
	EmptyMarkers = &Markers{}
)

// NewSpace returns EmptySpace for empty whitespace.
func NewSpace(ws string) *Space {
	if ws == "" {
		return EmptySpace
	}
	return &Space{Whitespace: ws}
}

// Base holds the fields common to all nodes.
type Base struct {
	ID      uuid.UUID
	Prefix  *Space
	Markers *Markers
}

func newBase(prefix *Space) Base {
	if prefix == nil {
		prefix = EmptySpace
	}
	return Base{ID: uuid.New(), Prefix: prefix, Markers: EmptyMarkers}
}

func (b *Base) TreeID() uuid.UUID {
	return b.ID
}

func (b *Base) base() *Base {
	return b
}

// Json is a node of a JSON document.
type Json interface {
	tree.Tree
	base() *Base
}

// Document is the root of a JSON source file.
type Document struct {
	Base
	SourcePath       string
	Charset          string
	CharsetBomMarked bool
	Value            Json
	EOF              *Space
}

func (*Document) TreeType() string { return documentType }

func NewDocument(path string, value Json, eof *Space) *Document {
	if eof == nil {
		eof = EmptySpace
	}
	return &Document{
		Base:       newBase(nil),
		SourcePath: path,
		Charset:    "UTF-8",
		Value:      value,
		EOF:        eof,
	}
}

func (d *Document) WithValue(v Json) *Document {
	c := *d
	c.Value = v
	return &c
}

// Object holds members padded with the whitespace before the following comma or brace.
type Object struct {
	Base
	Members []*RightPadded
}

func (*Object) TreeType() string { return objectType }

func NewObject(prefix *Space, members ...*RightPadded) *Object {
	return &Object{Base: newBase(prefix), Members: members}
}

func (o *Object) WithMembers(members []*RightPadded) *Object {
	c := *o
	c.Members = members
	return &c
}

// Member is a key and a value. The key is padded with the whitespace before the colon.
type Member struct {
	Base
	Key   *RightPadded
	Value Json
}

func (*Member) TreeType() string { return memberType }

func NewMember(prefix *Space, key *RightPadded, value Json) *Member {
	return &Member{Base: newBase(prefix), Key: key, Value: value}
}

func (m *Member) WithValue(v Json) *Member {
	c := *m
	c.Value = v
	return &c
}

func (m *Member) WithKey(key *RightPadded) *Member {
	c := *m
	c.Key = key
	return &c
}

// KeyName returns the unquoted key.
func (m *Member) KeyName() string {
	switch k := m.Key.Element.(type) {
	case *Literal:
		if s, ok := k.Value.(string); ok {
			return s
		}
		return k.Source
	case *Identifier:
		return k.Name
	}
	return ""
}

type Array struct {
	Base
	Values []*RightPadded
}

func (*Array) TreeType() string { return arrayType }

func NewArray(prefix *Space, values ...*RightPadded) *Array {
	return &Array{Base: newBase(prefix), Values: values}
}

func (a *Array) WithValues(values []*RightPadded) *Array {
	c := *a
	c.Values = values
	return &c
}

// Literal is a string, number, boolean or null. Source is the text as written.
type Literal struct {
	Base
	Source string
	Value  any
}

func (*Literal) TreeType() string { return literalType }

func NewLiteral(prefix *Space, source string, value any) *Literal {
	return &Literal{Base: newBase(prefix), Source: source, Value: value}
}

func (l *Literal) WithValue(source string, value any) *Literal {
	c := *l
	c.Source = source
	c.Value = value
	return &c
}

// Identifier is an unquoted key.
type Identifier struct {
	Base
	Name string
}

func (*Identifier) TreeType() string { return identifierType }

func NewIdentifier(prefix *Space, name string) *Identifier {
	return &Identifier{Base: newBase(prefix), Name: name}
}

// Empty stands for the inside of an empty object or array.
type Empty struct {
	Base
}

func (*Empty) TreeType() string { return emptyType }

func NewEmpty(prefix *Space) *Empty {
	return &Empty{Base: newBase(prefix)}
}

// RightPadded is an element followed by whitespace.
type RightPadded struct {
	Element Json
	After   *Space
	Markers *Markers
}

func (*RightPadded) ValueType() string { return rightPaddedType }

func Padded(element Json, after *Space) *RightPadded {
	if after == nil {
		after = EmptySpace
	}
	return &RightPadded{Element: element, After: after, Markers: EmptyMarkers}
}

func (p *RightPadded) WithElement(element Json) *RightPadded {
	c := *p
	c.Element = element
	return &c
}

func paddedID(p *RightPadded) uuid.UUID {
	if p.Element == nil {
		return uuid.Nil
	}
	return p.Element.TreeID()
}

// Transform rebuilds j bottom-up, replacing every node with fn(node). Nodes whose
// children are unchanged and that fn returns as is keep their identity, so a
// transformed document shares all untouched subtrees with the original.
func Transform(j Json, fn func(Json) Json) Json {
	switch n := j.(type) {
	case nil:
		return nil
	case *Document:
		if v := Transform(n.Value, fn); v != n.Value {
			n = n.WithValue(v)
		}
		return fn(n)
	case *Object:
		if members, changed := transformPadded(n.Members, fn); changed {
			n = n.WithMembers(members)
		}
		return fn(n)
	case *Array:
		if values, changed := transformPadded(n.Values, fn); changed {
			n = n.WithValues(values)
		}
		return fn(n)
	case *Member:
		if key := transformOne(n.Key, fn); key != n.Key {
			n = n.WithKey(key)
		}
		if v := Transform(n.Value, fn); v != n.Value {
			n = n.WithValue(v)
		}
		return fn(n)
	default:
		return fn(j)
	}
}

func transformOne(p *RightPadded, fn func(Json) Json) *RightPadded {
	if p == nil {
		return nil
	}
	if e := Transform(p.Element, fn); e != p.Element {
		return p.WithElement(e)
	}
	return p
}

func transformPadded(list []*RightPadded, fn func(Json) Json) ([]*RightPadded, bool) {
	var out []*RightPadded
	for i, p := range list {
		t := transformOne(p, fn)
		if t != p && out == nil {
			out = make([]*RightPadded, len(list))
			copy(out, list[:i])
		}
		if out != nil {
			out[i] = t
		}
	}
	if out == nil {
		return list, false
	}
	return out, true
}
