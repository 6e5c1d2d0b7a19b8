package inference

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/re3/internal/logging"
)

// Registry maps backend names to their implementations.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	backends map[string]Backend
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		logger:   logging.Component(logger, "backend-registry"),
	}
}

// Register adds a Backend keyed by its Name().
func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
	r.logger.Info("backend registered", "name", b.Name())
}

// Get returns the named Backend or an error if none is registered.
func (r *Registry) Get(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("no inference backend registered as %q (have %v)", name, r.Names())
	}
	return b, nil
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
