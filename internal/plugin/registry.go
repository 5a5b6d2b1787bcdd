package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/scanforge-io/scanforge/internal/event"
)

var (
	// ErrUnknownModule is returned when a selection names a module that is
	// not registered.
	ErrUnknownModule = errors.New("unknown module")

	// ErrDuplicateModule is returned when two factories register under the
	// same name.
	ErrDuplicateModule = errors.New("module already registered")

	// ErrReservedModuleName is returned when a module tries to register
	// under the name reserved for the scan seed.
	ErrReservedModuleName = errors.New("module name is reserved")
)

// Registry holds the known module factories and their descriptors. It is
// populated at startup and read-only afterwards; reads are safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	descriptors map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:   make(map[string]Factory),
		descriptors: make(map[string]Descriptor),
	}
}

// Register adds a module factory. The factory is invoked once to read the
// module's static declaration (name, meta, watched/produced sets).
func (r *Registry) Register(f Factory) error {
	probe := f()

	name := probe.Name()
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownModule)
	}

	if name == event.SeedModule {
		return fmt.Errorf("%w: %q", ErrReservedModuleName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateModule, name)
	}

	r.factories[name] = f
	r.descriptors[name] = Descriptor{
		Name:           name,
		Meta:           probe.Meta(),
		WatchedEvents:  append([]string(nil), probe.WatchedEvents()...),
		ProducedEvents: append([]string(nil), probe.ProducedEvents()...),
		ThreadSafe:     probe.ThreadSafe(),
	}

	return nil
}

// MustRegister registers a factory and panics on conflict. Used for the
// built-in module set wired at startup, where a conflict is a programming
// error.
func (r *Registry) MustRegister(f Factory) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// New instantiates a fresh module by name.
func (r *Registry) New(name string) (Module, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}

	return f(), nil
}

// Descriptor returns the static descriptor of a registered module.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[name]

	return d, ok
}

// Descriptors returns all registered descriptors sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Names returns all registered module names sorted.
func (r *Registry) Names() []string {
	descs := r.Descriptors()

	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}

	return names
}

// ExpandSelection resolves a module selection into a concrete, validated,
// sorted module list. A selection is either explicit module names or, when
// names is empty, a use-case tag (Passive, Investigate, Footprint, All)
// expanded against module metadata.
func (r *Registry) ExpandSelection(names []string, useCase string) ([]string, error) {
	if len(names) > 0 {
		out := make([]string, 0, len(names))
		seen := make(map[string]bool, len(names))

		for _, name := range names {
			if _, ok := r.Descriptor(name); !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownModule, name)
			}

			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}

		sort.Strings(out)

		return out, nil
	}

	if useCase == "" {
		useCase = UseCaseAll
	}

	var out []string

	for _, d := range r.Descriptors() {
		if d.Meta.HasUseCase(useCase) {
			out = append(out, d.Name)
		}
	}

	return out, nil
}
