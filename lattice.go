package lattice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/renderer"
	"github.com/aretw0/lattice/pkg/session"
	"github.com/aretw0/lattice/pkg/template"
)

// Version is the library and CLI version.
const Version = "0.1.0"

// Engine is the high-level entry point for the Lattice library.
// It owns the authoritative template registry, the session manager and the
// broker that fans flushed batches out to stream subscribers.
type Engine struct {
	manager   *session.Manager
	templates *template.Registry
	broker    ports.BatchBroker

	descriptors []template.Descriptor
	sources     []template.Source
	locker      ports.DistributedLocker
	init        session.InitFunc
	hooks       domain.LifecycleHooks
	logger      *slog.Logger
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets a custom structured logger for the engine and everything it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLifecycleHooks registers observability hooks. Repeated calls chain.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) {
		e.hooks = e.hooks.Merge(hooks)
	}
}

// WithTemplates registers descriptors at construction.
func WithTemplates(descs ...template.Descriptor) Option {
	return func(e *Engine) {
		e.descriptors = append(e.descriptors, descs...)
	}
}

// WithTemplateStore loads every descriptor of src at construction.
// Any ports.TemplateStore qualifies.
func WithTemplateStore(src template.Source) Option {
	return func(e *Engine) {
		e.sources = append(e.sources, src)
	}
}

// WithLocker enables distributed single-writer locking across replicas.
func WithLocker(l ports.DistributedLocker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithBroker replaces the default in-memory broker.
func WithBroker(b ports.BatchBroker) Option {
	return func(e *Engine) {
		e.broker = b
	}
}

// WithInit sets the function that mounts the initial tree of every new session.
func WithInit(fn session.InitFunc) Option {
	return func(e *Engine) {
		e.init = fn
	}
}

// New initializes a new Lattice Engine.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	eng := &Engine{}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.logger == nil {
		eng.logger = logging.NewNop()
	}
	if eng.broker == nil {
		eng.broker = memory.NewBroker(memory.WithLogger(eng.logger))
	}

	eng.templates = template.NewRegistry(template.WithLogger(eng.logger))
	for _, d := range eng.descriptors {
		if _, err := eng.templates.Register(d); err != nil {
			return nil, err
		}
	}
	for _, src := range eng.sources {
		if err := eng.templates.Load(ctx, src); err != nil {
			return nil, fmt.Errorf("failed to load templates: %w", err)
		}
	}

	managerOpts := []session.Option{
		session.WithLogger(eng.logger),
		session.WithTemplates(eng.templates),
		session.WithPublisher(eng.broker),
		session.WithLifecycleHooks(eng.hooks),
	}
	if eng.locker != nil {
		managerOpts = append(managerOpts, session.WithLocker(eng.locker))
	}
	if eng.init != nil {
		managerOpts = append(managerOpts, session.WithInit(eng.init))
	}
	eng.manager = session.NewManager(managerOpts...)
	return eng, nil
}

// Manager returns the session manager.
func (e *Engine) Manager() *session.Manager {
	return e.manager
}

// Templates returns the authoritative template registry.
func (e *Engine) Templates() *template.Registry {
	return e.templates
}

// Broker returns the broker sessions publish to.
func (e *Engine) Broker() ports.BatchBroker {
	return e.broker
}

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// NewRenderer builds an in-process applier whose template registry is a copy
// of the engine's. It shares the engine logger and hooks unless opts override them.
func (e *Engine) NewRenderer(opts ...renderer.Option) (*renderer.Applier, error) {
	local := template.NewRegistry(template.WithLogger(e.logger))
	if err := local.Replace(e.templates.Descriptors()); err != nil {
		return nil, err
	}
	base := []renderer.Option{
		renderer.WithLogger(e.logger),
		renderer.WithTemplates(local),
		renderer.WithLifecycleHooks(e.hooks),
	}
	return renderer.New(append(base, opts...)...), nil
}
