package tree

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownLanguage is returned when no grammar is registered for a language.
var ErrUnknownLanguage = errors.New("unknown language")

// Grammar pairs the sender and receiver of one language.
type Grammar struct {
	Language Language
	Sender   TreeSender
	Receiver TreeReceiver
}

// Registry maps languages to grammars.
type Registry struct {
	mu       sync.RWMutex
	grammars map[Language]Grammar
}

// DefaultRegistry holds the grammars registered by grammar packages at init.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{grammars: make(map[Language]Grammar)}
}

// Register adds a grammar. Registering a language twice is an error.
func (r *Registry) Register(g Grammar) error {
	if g.Language == "" || g.Sender == nil || g.Receiver == nil {
		return fmt.Errorf("incomplete grammar %q", g.Language)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.grammars[g.Language]; exists {
		return fmt.Errorf("grammar %q is already registered", g.Language)
	}
	r.grammars[g.Language] = g
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(g Grammar) {
	if err := r.Register(g); err != nil {
		panic(err)
	}
}

// Lookup returns the grammar of the language.
func (r *Registry) Lookup(lang Language) (Grammar, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.grammars[lang]
	if !ok {
		return Grammar{}, fmt.Errorf("%w: %q", ErrUnknownLanguage, lang)
	}
	return g, nil
}

// Languages returns the registered languages.
func (r *Registry) Languages() []Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]Language, 0, len(r.grammars))
	for lang := range r.grammars {
		langs = append(langs, lang)
	}
	return langs
}
