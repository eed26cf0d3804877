package jsontree

import "strings"

// Print renders j with its original formatting.
func Print(j Json) string {
	var sb strings.Builder
	printJSON(&sb, j)
	return sb.String()
}

func printJSON(sb *strings.Builder, j Json) {
	if j == nil {
		return
	}
	printSpace(sb, j.base().Prefix)
	switch n := j.(type) {
	case *Document:
		printJSON(sb, n.Value)
		printSpace(sb, n.EOF)
	case *Object:
		sb.WriteByte('{')
		printPadded(sb, n.Members)
		sb.WriteByte('}')
	case *Array:
		sb.WriteByte('[')
		printPadded(sb, n.Values)
		sb.WriteByte(']')
	case *Member:
		printRightPadded(sb, n.Key)
		sb.WriteByte(':')
		printJSON(sb, n.Value)
	case *Literal:
		sb.WriteString(n.Source)
	case *Identifier:
		sb.WriteString(n.Name)
	}
}

func printPadded(sb *strings.Builder, list []*RightPadded) {
	for i, p := range list {
		if i > 0 {
			sb.WriteByte(',')
		}
		printRightPadded(sb, p)
	}
}

func printRightPadded(sb *strings.Builder, p *RightPadded) {
	if p == nil {
		return
	}
	printJSON(sb, p.Element)
	printSpace(sb, p.After)
}

func printSpace(sb *strings.Builder, s *Space) {
	if s != nil {
		sb.WriteString(s.Whitespace)
	}
}
