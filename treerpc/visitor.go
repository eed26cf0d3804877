package treerpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/spacemeshos/go-treerpc/tree"
)

var ErrUnknownVisitor = errors.New("unknown visitor")

// Visitor transforms a tree. Returning nil deletes the tree.
type Visitor interface {
	Visit(ctx context.Context, t tree.Tree, param any) (tree.Tree, error)
}

// VisitorFunc adapts a function into a Visitor.
type VisitorFunc func(ctx context.Context, t tree.Tree, param any) (tree.Tree, error)

func (f VisitorFunc) Visit(ctx context.Context, t tree.Tree, param any) (tree.Tree, error) {
	return f(ctx, t, param)
}

// VisitorFactory creates a visitor for one visit.
type VisitorFactory func() Visitor

type visitorKey struct {
	lang tree.Language
	name string
}

// VisitorRegistry maps visitor names to factories per language.
type VisitorRegistry struct {
	mu        sync.RWMutex
	factories map[visitorKey]VisitorFactory
}

func NewVisitorRegistry() *VisitorRegistry {
	return &VisitorRegistry{factories: make(map[visitorKey]VisitorFactory)}
}

// Register adds a factory. Registering a name twice for a language fails.
func (r *VisitorRegistry) Register(lang tree.Language, name string, factory VisitorFactory) error {
	if name == "" || factory == nil {
		return errors.New("visitor requires a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := visitorKey{lang: lang, name: name}
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("visitor %s already registered for %s", name, lang)
	}
	r.factories[key] = factory
	return nil
}

// Lookup creates a visitor of the named kind.
func (r *VisitorRegistry) Lookup(lang tree.Language, name string) (Visitor, error) {
	r.mu.RLock()
	factory, ok := r.factories[visitorKey{lang: lang, name: name}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s for %s", ErrUnknownVisitor, name, lang)
	}
	return factory(), nil
}

// Names lists the visitors registered for a language.
func (r *VisitorRegistry) Names(lang tree.Language) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for key := range r.factories {
		if key.lang == lang {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)
	return names
}
