package backend

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/vmunix/konvert/internal/config"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/pipeline"
)

// Registry holds the configured backends and the trunks they offer.
type Registry struct {
	backends map[string]Backend
	names    []string
	trunks   []pipeline.Trunk
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend and the trunks it serves. Registration order
// breaks rating ties in pipeline resolution.
func (r *Registry) Register(b Backend, trunks ...pipeline.Trunk) {
	if _, ok := r.backends[b.Name()]; !ok {
		r.names = append(r.names, b.Name())
	}
	r.backends[b.Name()] = b
	r.trunks = append(r.trunks, trunks...)
}

// Get returns the named backend. An unknown name needs configuration.
func (r *Registry) Get(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", ErrNeedsConfiguration, name)
	}
	return b, nil
}

// Names returns backend names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Trunks returns every registered trunk.
func (r *Registry) Trunks() []pipeline.Trunk {
	return append([]pipeline.Trunk(nil), r.trunks...)
}

// FromConfig builds exec backends for every configured tool, in name order.
func FromConfig(cfgs map[string]config.BackendConfig, bus *events.Bus, logger *slog.Logger) (*Registry, error) {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	r := NewRegistry()
	for _, name := range names {
		tool, err := NewTool(name, cfgs[name], bus, logger)
		if err != nil {
			return nil, err
		}
		r.Register(tool, tool.Trunks()...)
	}
	return r, nil
}
