package archiver

import (
	"fmt"

	"github.com/htbase/archivist/internal/archive"
)

// Registry maps archiver kinds to implementations.
type Registry struct {
	archivers map[archive.Kind]archive.Archiver
}

// NewRegistry builds a registry from the provided archivers.
func NewRegistry(archivers ...archive.Archiver) *Registry {
	r := &Registry{archivers: make(map[archive.Kind]archive.Archiver, len(archivers))}
	for _, a := range archivers {
		r.archivers[a.Kind()] = a
	}
	return r
}

// Get returns the archiver for kind.
func (r *Registry) Get(kind archive.Kind) (archive.Archiver, error) {
	a, ok := r.archivers[kind]
	if !ok {
		return nil, fmt.Errorf("no archiver registered for kind %q", kind)
	}
	return a, nil
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []archive.Kind {
	kinds := make([]archive.Kind, 0, len(r.archivers))
	for k := range r.archivers {
		kinds = append(kinds, k)
	}
	return kinds
}
