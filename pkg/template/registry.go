package template

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
)

// Source lists descriptors from a backing store.
type Source interface {
	List(ctx context.Context) ([]Descriptor, error)
}

// Registry holds compiled templates by id. Both the authority and the
// renderer keep one and must agree on its contents.
type Registry struct {
	mu        sync.RWMutex
	templates map[int]*Compiled
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		templates: make(map[int]*Compiled),
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register compiles d and stores it, replacing any template with the same id.
func (r *Registry) Register(d Descriptor) (*Compiled, error) {
	c, err := Compile(d)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[d.ID]; ok {
		r.logger.Warn("template replaced", "template_id", d.ID)
	}
	r.templates[d.ID] = c
	return c, nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(d Descriptor) *Compiled {
	c, err := r.Register(d)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the compiled template with the given id.
func (r *Registry) Get(id int) (*Compiled, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %d: %w", id, domain.ErrStaleTemplateReference)
	}
	return c, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[id]
	return ok
}

// Descriptors returns every registered descriptor ordered by id.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.templates))
	for _, id := range slices.Sorted(maps.Keys(r.templates)) {
		out = append(out, r.templates[id].Descriptor())
	}
	return out
}

// Len returns the number of registered templates.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

// Load registers every descriptor of src. It stops at the first invalid descriptor.
func (r *Registry) Load(ctx context.Context, src Source) error {
	descs, err := src.List(ctx)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	for _, d := range descs {
		if _, err := r.Register(d); err != nil {
			return err
		}
	}
	r.logger.Debug("templates loaded", "count", len(descs))
	return nil
}

// Replace swaps the registry contents for descs, all or nothing.
// Renderers use it when the authority sends its template set.
func (r *Registry) Replace(descs []Descriptor) error {
	next := make(map[int]*Compiled, len(descs))
	for _, d := range descs {
		c, err := Compile(d)
		if err != nil {
			return err
		}
		next[d.ID] = c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = next
	return nil
}
