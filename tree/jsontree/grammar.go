package jsontree

import "github.com/spacemeshos/go-treerpc/tree"

func init() {
	tree.DefaultRegistry.MustRegister(Grammar())
}

// Grammar returns the codec pair for JSON trees.
func Grammar() tree.Grammar {
	return tree.Grammar{
		Language: Language,
		Sender:   Sender{},
		Receiver: Receiver{},
	}
}
