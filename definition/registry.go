package definition

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/dshills/procflow/process"
)

// Factory builds a step descriptor of one kind from its decoded config.
type Factory func(id string, config map[string]any) (process.StepDescriptor, error)

// Registry maps step kind names to factories. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the builtin step kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	return r
}

// Register adds a step kind. Registering a kind twice fails.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" || f == nil {
		return fmt.Errorf("step kind needs a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[kind]; exists {
		return fmt.Errorf("step kind %q already registered", kind)
	}
	r.kinds[kind] = f
	return nil
}

// MustRegister is Register that panics on error. Use it from init code.
func (r *Registry) MustRegister(kind string, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// New builds a step of the given kind.
func (r *Registry) New(kind, id string, config map[string]any) (process.StepDescriptor, error) {
	r.mu.RLock()
	f, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return process.StepDescriptor{}, fmt.Errorf("step %q: unknown kind %q (known: %v)", id, kind, r.Kinds())
	}
	d, err := f(id, config)
	if err != nil {
		return process.StepDescriptor{}, fmt.Errorf("step %q (%s): %w", id, kind, err)
	}
	d.ID = id
	if d.Name == "" {
		d.Name = id
	}
	return d, nil
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// DecodeConfig decodes a step config into out, rejecting unknown keys.
// Custom factories use it to read their settings the same way the builtin
// kinds do.
func DecodeConfig(config map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
