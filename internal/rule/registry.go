package rule

import (
	"fmt"
	"sort"
)

// Params carries rule construction parameters from a ruleset document.
type Params map[string]any

// Factory builds a rule instance from document parameters.
// The priority comes from the document entry, not the params map.
type Factory func(params Params, priority int) (Rule, error)

// Registry maps configuration class names to rule factories.
//
// Registration happens at startup (no runtime reflection); the loader
// fails on unknown class names.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a class name.
// Duplicate registration is a programming error and panics at startup.
func (r *Registry) Register(class string, factory Factory) {
	if _, exists := r.factories[class]; exists {
		panic(fmt.Sprintf("rule class %q registered twice", class))
	}
	r.factories[class] = factory
}

// New instantiates a rule by class name.
func (r *Registry) New(class string, params Params, priority int) (Rule, error) {
	factory, ok := r.factories[class]
	if !ok {
		return nil, fmt.Errorf("unknown rule class %q", class)
	}
	rl, err := factory(params, priority)
	if err != nil {
		return nil, fmt.Errorf("build rule class %q: %w", class, err)
	}
	return rl, nil
}

// Classes returns the registered class names sorted, for error messages
// and CLI introspection.
func (r *Registry) Classes() []string {
	out := make([]string, 0, len(r.factories))
	for c := range r.factories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
