package jsontree

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// SyntaxError describes malformed input.
type SyntaxError struct {
	Path   string
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s: offset %d: %s", e.Path, e.Offset, e.Msg)
}

// Parse reads a JSON document keeping all whitespace, so that Print returns src.
// Unquoted keys and trailing commas are accepted.
func Parse(path, src string) (*Document, error) {
	p := &parser{path: path, src: src}
	value, err := p.value(p.space())
	if err != nil {
		return nil, err
	}
	eof := p.space()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected %q after the document", p.src[p.pos])
	}
	return NewDocument(path, value, eof), nil
}

type parser struct {
	path string
	src  string
	pos  int
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Path: p.path, Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) space() *Space {
	start := p.pos
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
			continue
		}
		break
	}
	return NewSpace(p.src[start:p.pos])
}

func (p *parser) peek(c byte) bool {
	return p.pos < len(p.src) && p.src[p.pos] == c
}

func (p *parser) value(prefix *Space) (Json, error) {
	if p.pos >= len(p.src) {
		return nil, p.errorf("unexpected end of input")
	}
	switch c := p.src[p.pos]; {
	case c == '{':
		return p.object(prefix)
	case c == '[':
		return p.array(prefix)
	case c == '"':
		return p.string(prefix)
	case c == '-' || c == '+' || c == '.' || isDigit(c):
		return p.number(prefix)
	case isIdentStart(c):
		start := p.pos
		switch word := p.ident(); word {
		case "true":
			return NewLiteral(prefix, word, true), nil
		case "false":
			return NewLiteral(prefix, word, false), nil
		case "null":
			return NewLiteral(prefix, word, nil), nil
		default:
			p.pos = start
			return nil, p.errorf("unexpected identifier %q", word)
		}
	default:
		return nil, p.errorf("unexpected %q", c)
	}
}

func (p *parser) object(prefix *Space) (Json, error) {
	p.pos++
	members, err := p.list('}', p.member)
	if err != nil {
		return nil, err
	}
	return NewObject(prefix, members...), nil
}

func (p *parser) array(prefix *Space) (Json, error) {
	p.pos++
	values, err := p.list(']', p.value)
	if err != nil {
		return nil, err
	}
	return NewArray(prefix, values...), nil
}

// list reads comma separated elements up to the closing delimiter. An empty list and a
// trailing comma leave an Empty element holding the whitespace before the delimiter.
func (p *parser) list(closing byte, element func(*Space) (Json, error)) ([]*RightPadded, error) {
	var out []*RightPadded
	for {
		ws := p.space()
		if p.peek(closing) {
			p.pos++
			return append(out, Padded(NewEmpty(ws), nil)), nil
		}
		e, err := element(ws)
		if err != nil {
			return nil, err
		}
		out = append(out, Padded(e, p.space()))
		switch {
		case p.peek(','):
			p.pos++
		case p.peek(closing):
			p.pos++
			return out, nil
		case p.pos >= len(p.src):
			return nil, p.errorf("unexpected end of input, expected %q", closing)
		default:
			return nil, p.errorf("unexpected %q, expected ',' or %q", p.src[p.pos], closing)
		}
	}
}

func (p *parser) member(prefix *Space) (Json, error) {
	var (
		key Json
		err error
	)
	switch {
	case p.peek('"'):
		key, err = p.string(EmptySpace)
	case p.pos < len(p.src) && isIdentStart(p.src[p.pos]):
		key = NewIdentifier(EmptySpace, p.ident())
	default:
		return nil, p.errorf("expected a member key")
	}
	if err != nil {
		return nil, err
	}
	after := p.space()
	if !p.peek(':') {
		return nil, p.errorf("expected ':'")
	}
	p.pos++
	value, err := p.value(p.space())
	if err != nil {
		return nil, err
	}
	return NewMember(prefix, Padded(key, after), value), nil
}

func (p *parser) string(prefix *Space) (Json, error) {
	start := p.pos
	p.pos++
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '\\':
			p.pos += 2
			continue
		case '"':
			p.pos++
			source := p.src[start:p.pos]
			var value string
			if err := json.Unmarshal([]byte(source), &value); err != nil {
				p.pos = start
				return nil, p.errorf("invalid string: %v", err)
			}
			return NewLiteral(prefix, source, value), nil
		}
		p.pos++
	}
	p.pos = start
	return nil, p.errorf("unterminated string")
}

func (p *parser) number(prefix *Space) (Json, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if !isDigit(c) && c != '-' && c != '+' && c != '.' && c != 'e' && c != 'E' {
			break
		}
		p.pos++
	}
	source := p.src[start:p.pos]
	value, err := strconv.ParseFloat(source, 64)
	if err != nil {
		p.pos = start
		return nil, p.errorf("invalid number %q", source)
	}
	return NewLiteral(prefix, source, value), nil
}

func (p *parser) ident() string {
	start := p.pos
	for p.pos < len(p.src) && (isIdentStart(p.src[p.pos]) || isDigit(p.src[p.pos])) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
