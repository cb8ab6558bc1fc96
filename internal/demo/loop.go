package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/internal/presentation/graph"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/renderer"
	"github.com/aretw0/lattice/pkg/session"
	"github.com/aretw0/lattice/pkg/template"
)

// maxRounds bounds the invocation/batch ping-pong of one Settle call.
const maxRounds = 32

// Loop connects an authority session and a renderer in process, through a
// memory broker, without any transport in between.
type Loop struct {
	Manager *session.Manager
	Applier *renderer.Applier

	sessionID   string
	batches     <-chan domain.Batch
	unsubscribe func()
	resync      error
	logger      *slog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*loopConfig)

type loopConfig struct {
	logger *slog.Logger
	hooks  domain.LifecycleHooks
	items  []string
}

// WithLoopLogger sets the logger of both sides.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(c *loopConfig) {
		c.logger = logger
	}
}

// WithLoopHooks installs lifecycle hooks on both sides.
func WithLoopHooks(hooks domain.LifecycleHooks) LoopOption {
	return func(c *loopConfig) {
		c.hooks = c.hooks.Merge(hooks)
	}
}

// WithItems seeds the todo list.
func WithItems(items ...string) LoopOption {
	return func(c *loopConfig) {
		c.items = append(c.items, items...)
	}
}

// NewLoop opens a todo session and brings the renderer to its first full dump.
func NewLoop(ctx context.Context, opts ...LoopOption) (*Loop, error) {
	cfg := loopConfig{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	authority := template.NewRegistry(template.WithLogger(cfg.logger))
	local := template.NewRegistry(template.WithLogger(cfg.logger))
	for _, d := range Templates() {
		if _, err := authority.Register(d); err != nil {
			return nil, err
		}
		if _, err := local.Register(d); err != nil {
			return nil, err
		}
	}

	broker := memory.NewBroker(memory.WithLogger(cfg.logger))
	l := &Loop{sessionID: "demo", logger: cfg.logger}
	l.Manager = session.NewManager(
		session.WithLogger(cfg.logger),
		session.WithTemplates(authority),
		session.WithPublisher(broker),
		session.WithLifecycleHooks(cfg.hooks),
		session.WithInit(Init(cfg.items...)),
	)
	l.Applier = renderer.New(
		renderer.WithLogger(cfg.logger),
		renderer.WithTemplates(local),
		renderer.WithLifecycleHooks(cfg.hooks),
		renderer.WithResync(func(_ context.Context, cause error) {
			l.resync = cause
		}),
	)

	if _, err := l.Manager.Open(ctx, l.sessionID); err != nil {
		return nil, err
	}
	batches, unsubscribe, err := broker.Subscribe(ctx, l.sessionID)
	if err != nil {
		return nil, err
	}
	l.batches, l.unsubscribe = batches, unsubscribe

	if _, err := l.Manager.Resync(ctx, l.sessionID, "connect"); err != nil {
		l.Close()
		return nil, err
	}
	if err := l.Settle(ctx); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Close drops the subscription.
func (l *Loop) Close() {
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
}

// Settle exchanges invocations and batches until both sides are quiet.
func (l *Loop) Settle(ctx context.Context) error {
	for range maxRounds {
		applied := l.drain(ctx)

		if l.resync != nil {
			reason := renderer.Reason(l.resync)
			l.resync = nil
			if _, err := l.Manager.Resync(ctx, l.sessionID, reason); err != nil {
				return err
			}
			continue
		}

		invs := l.Applier.Channel().Flush()
		if len(invs) == 0 && !applied {
			return nil
		}
		if len(invs) > 0 {
			if _, _, err := l.Manager.Invoke(ctx, l.sessionID, invs); err != nil {
				return fmt.Errorf("invoke: %w", err)
			}
		}
	}
	return errors.New("demo loop did not settle")
}

// drain applies every published batch. Apply errors are left to the resync flag.
func (l *Loop) drain(ctx context.Context) bool {
	applied := false
	for {
		select {
		case b, ok := <-l.batches:
			if !ok {
				return applied
			}
			if err := l.Applier.Apply(ctx, b); err != nil {
				l.logger.Warn("demo batch rejected", "err", err)
			}
			applied = true
		default:
			return applied
		}
	}
}

// HTML renders the renderer document.
func (l *Loop) HTML() (string, error) {
	return l.Applier.HTML()
}

// Mermaid draws the renderer's mirror tree, highlighting completed items.
func (l *Loop) Mermaid() string {
	return graph.GenerateMermaid(l.Applier.Root(), &graph.Overlay{Highlight: l.FindByClass("completed")})
}

// FindByClass returns the ids of the rendered elements carrying class, in document order.
func (l *Loop) FindByClass(class string) []domain.NodeID {
	var out []domain.NodeID
	var walk func(m *renderer.Mirror)
	walk = func(m *renderer.Mirror) {
		for _, c := range m.Children() {
			if c.Parent() != m {
				continue
			}
			if el := c.Element(); el != nil && slices.Contains(el.Classes(), class) {
				out = append(out, c.ID())
			}
			walk(c)
		}
	}
	walk(l.Applier.Root())
	return out
}

// Add types title into the input and commits it.
func (l *Loop) Add(ctx context.Context, title string) error {
	input, err := l.one("new-todo")
	if err != nil {
		return err
	}
	if err := l.Applier.Input(input, "value", title); err != nil {
		return err
	}
	if err := l.Applier.Dispatch(input, "change", map[string]domain.Value{"value": title}); err != nil {
		return err
	}
	return l.Settle(ctx)
}

// Toggle clicks the i-th item.
func (l *Loop) Toggle(ctx context.Context, i int) error {
	return l.clickItem(ctx, i, "click")
}

// Remove double-clicks the i-th item.
func (l *Loop) Remove(ctx context.Context, i int) error {
	return l.clickItem(ctx, i, "dblclick")
}

// ClearCompleted clicks the footer button.
func (l *Loop) ClearCompleted(ctx context.Context) error {
	button, err := l.one("clear-completed")
	if err != nil {
		return err
	}
	if err := l.Applier.Dispatch(button, "click", nil); err != nil {
		return err
	}
	return l.Settle(ctx)
}

func (l *Loop) clickItem(ctx context.Context, i int, event string) error {
	items := l.FindByClass("todo")
	if i < 0 || i >= len(items) {
		return &domain.IndexError{Op: event, Index: i, Size: len(items)}
	}
	if err := l.Applier.Dispatch(items[i], event, nil); err != nil {
		return err
	}
	return l.Settle(ctx)
}

func (l *Loop) one(class string) (domain.NodeID, error) {
	ids := l.FindByClass(class)
	if len(ids) != 1 {
		return domain.NoNode, fmt.Errorf("%d elements with class %q: %w", len(ids), class, domain.ErrNodeNotFound)
	}
	return ids[0], nil
}

// Frame is the rendered document after one step of a scripted run.
type Frame struct {
	Step    string
	HTML    string
	Mermaid string
}

// Script runs the canonical demo: add two items, complete one, clear it.
func Script(ctx context.Context, opts ...LoopOption) ([]Frame, error) {
	l, err := NewLoop(ctx, opts...)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	steps := []struct {
		name string
		run  func() error
	}{
		{"mount", func() error { return nil }},
		{"add \"buy milk\"", func() error { return l.Add(ctx, "buy milk") }},
		{"add \"walk the dog\"", func() error { return l.Add(ctx, "walk the dog") }},
		{"toggle first item", func() error { return l.Toggle(ctx, 0) }},
		{"clear completed", func() error { return l.ClearCompleted(ctx) }},
	}
	frames := make([]Frame, 0, len(steps))
	for _, s := range steps {
		if err := s.run(); err != nil {
			return frames, fmt.Errorf("step %s: %w", s.name, err)
		}
		html, err := l.HTML()
		if err != nil {
			return frames, err
		}
		frames = append(frames, Frame{Step: s.name, HTML: html, Mermaid: l.Mermaid()})
	}
	return frames, nil
}
