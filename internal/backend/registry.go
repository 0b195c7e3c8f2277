package backend

import (
	"fmt"
)

// Registry stores backends with deterministic ordering.
type Registry struct {
	ordered []Descriptor
	index   map[string]Backend
}

// NewRegistry creates a registry from backend instances.
func NewRegistry(backends ...Backend) (*Registry, error) {
	ordered := make([]Descriptor, 0, len(backends))
	index := make(map[string]Backend, len(backends))

	for _, b := range backends {
		descriptor := b.Descriptor()

		if _, exists := index[descriptor.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBackend, descriptor.Name)
		}

		index[descriptor.Name] = b
		ordered = append(ordered, descriptor)
	}

	return &Registry{
		ordered: ordered,
		index:   index,
	}, nil
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, error) {
	b, ok := r.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}

	return b, nil
}

// All returns all descriptors in registration order.
func (r *Registry) All() []Descriptor {
	descriptors := make([]Descriptor, len(r.ordered))
	copy(descriptors, r.ordered)

	return descriptors
}

// Names returns registered backend names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ordered))
	for _, descriptor := range r.ordered {
		names = append(names, descriptor.Name)
	}

	return names
}
