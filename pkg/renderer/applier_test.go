package renderer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/renderer/dom"
	"github.com/aretw0/lattice/pkg/template"
	"github.com/aretw0/lattice/pkg/tree"
)

type fixture struct {
	t       *testing.T
	tree    *tree.Tree
	applier *Applier
	seq     uint64
	resyncs []error
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	f := &fixture{t: t, tree: tree.New()}
	opts = append(opts, WithResync(func(_ context.Context, cause error) {
		f.resyncs = append(f.resyncs, cause)
	}))
	f.applier = New(opts...)
	return f
}

func (f *fixture) write(fn func() error) {
	f.t.Helper()
	require.NoError(f.t, f.tree.Write(fn))
}

// sync ships a full-state dump.
func (f *fixture) sync() {
	f.t.Helper()
	f.seq++
	require.NoError(f.t, f.applier.Apply(context.Background(), domain.Batch{
		Epoch: "e1", Seq: f.seq, Full: true, Changes: f.tree.Resync(),
	}))
}

// ship flushes pending changes as the next delta.
func (f *fixture) ship() []domain.Change {
	f.t.Helper()
	changes := f.tree.Flush()
	f.seq++
	require.NoError(f.t, f.applier.Apply(context.Background(), domain.Batch{
		Epoch: "e1", Seq: f.seq, Changes: changes,
	}))
	return changes
}

func (f *fixture) element(n *tree.Node) *dom.Element {
	f.t.Helper()
	el, ok := f.applier.Element(n.ID())
	require.True(f.t, ok, "no element for node %d", n.ID())
	return el
}

func (f *fixture) html() string {
	f.t.Helper()
	out, err := f.applier.Document().Body().OuterHTML()
	require.NoError(f.t, err)
	return out
}

// outline renders the visible structure of an authority subtree.
func outline(n *tree.Node) string {
	var b strings.Builder
	b.WriteString(n.Tag())
	if text := n.Text(); text != "" {
		b.WriteString("[" + text + "]")
	}
	b.WriteString("(")
	for _, c := range n.Children() {
		b.WriteString(outline(c))
	}
	b.WriteString(")")
	return b.String()
}

// outlineElement renders the same structure for a visual subtree.
func outlineElement(el *dom.Element, root bool) string {
	var b strings.Builder
	if !root {
		b.WriteString(el.Tag())
	}
	if text := el.OwnText(); text != "" {
		b.WriteString("[" + text + "]")
	}
	b.WriteString("(")
	for _, c := range el.Children() {
		b.WriteString(outlineElement(c, false))
	}
	b.WriteString(")")
	return b.String()
}

func (f *fixture) todoList() (ul *tree.Node, items []*tree.Node) {
	f.write(func() error {
		ul = f.tree.CreateElement("ul")
		require.NoError(f.t, ul.AddClass("todos"))
		for _, title := range []string{"milk", "eggs", "bread"} {
			li := f.tree.CreateElement("li")
			require.NoError(f.t, li.SetText(title))
			require.NoError(f.t, ul.AppendChild(li))
			items = append(items, li)
		}
		return f.tree.Root().AppendChild(ul)
	})
	return ul, items
}

func TestApplier_FullDumpBuildsVisualTree(t *testing.T) {
	f := newFixture(t)
	f.todoList()
	f.tree.Flush()
	f.sync()

	assert.Equal(t, StateSynchronized, f.applier.State())
	assert.Equal(t, `<body><ul class="todos"><li>milk</li><li>eggs</li><li>bread</li></ul></body>`, f.html())
	assert.Equal(t, f.tree.Len(), f.applier.Len())
	assert.Equal(t, "e1", f.applier.Epoch())
	assert.Equal(t, uint64(1), f.applier.Seq())
}

func TestApplier_FullDumpIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, items := f.todoList()
	f.sync()
	before := f.html()

	f.sync()
	assert.Equal(t, before, f.html())

	// Re-delivering the dump of one node inside a delta must not duplicate it.
	f.write(func() error { return f.tree.Root().Children()[0].RemoveChild(items[1]) })
	f.ship()
	f.write(func() error { return f.tree.Root().Children()[0].InsertChild(1, items[1]) })
	changes := f.ship()
	once := f.html()

	f.seq++
	require.NoError(t, f.applier.Apply(context.Background(), domain.Batch{Epoch: "e1", Seq: f.seq, Changes: changes[1:]}))
	assert.Equal(t, once, f.html())
	assert.Len(t, f.element(items[1]).Parent().Children(), 3)
}

func TestApplier_RoundTrip(t *testing.T) {
	f := newFixture(t)
	f.sync()
	ul, items := f.todoList()
	f.ship()
	assert.Equal(t, outline(f.tree.Root()), outlineElement(f.applier.Document().Body(), true))

	f.write(func() error { return ul.RemoveChild(items[0]) })
	f.ship()
	assert.Equal(t, `<body><ul class="todos"><li>eggs</li><li>bread</li></ul></body>`, f.html())
	_, ok := f.applier.Mirror(items[0].ID())
	assert.False(t, ok, "detached mirror is dropped")

	// Mutations while detached are replayed on reattach.
	f.write(func() error {
		require.NoError(t, items[0].SetText("oat milk"))
		require.NoError(t, items[0].AddClass("done"))
		return ul.AppendChild(items[0])
	})
	f.ship()
	assert.Equal(t, outline(f.tree.Root()), outlineElement(f.applier.Document().Body(), true))
	assert.Equal(t, `<body><ul class="todos"><li>eggs</li><li>bread</li><li class="done">oat milk</li></ul></body>`, f.html())
}

func TestApplier_MoveSubtree(t *testing.T) {
	f := newFixture(t)
	ul, items := f.todoList()
	var ol *tree.Node
	f.write(func() error {
		ol = f.tree.CreateElement("ol")
		return f.tree.Root().AppendChild(ol)
	})
	f.sync()

	f.write(func() error { return ol.AppendChild(items[2]) })
	f.ship()
	assert.Equal(t, `<body><ul class="todos"><li>milk</li><li>eggs</li></ul><ol><li>bread</li></ol></body>`, f.html())
	assert.Equal(t, outline(f.tree.Root()), outlineElement(f.applier.Document().Body(), true))

	// The new parent is flushed before the old one.
	f.write(func() error {
		require.NoError(t, ol.SetAttribute("start", "3"))
		return ol.InsertChild(0, items[1])
	})
	f.ship()
	assert.Equal(t, `<body><ul class="todos"><li>milk</li></ul><ol start="3"><li>eggs</li><li>bread</li></ol></body>`, f.html())

	f.write(func() error { return f.tree.Root().RemoveChild(ul) })
	f.ship()
	for _, n := range []*tree.Node{ul, items[0], items[1]} {
		_, ok := f.applier.Mirror(n.ID())
		assert.False(t, ok, "node %d", n.ID())
	}
	assert.Equal(t, `<body><ol><li>bread</li></ol></body>`, f.html())
}

func TestApplier_TextProperty(t *testing.T) {
	f := newFixture(t)
	var p *tree.Node
	f.write(func() error {
		p = f.tree.CreateElement("p")
		return f.tree.Root().AppendChild(p)
	})
	f.sync()

	f.write(func() error { return p.SetProperty(domain.PropertyText, "hi") })
	f.ship()
	assert.Equal(t, "hi", f.element(p).Text())

	f.write(func() error {
		p.RemoveProperty(domain.PropertyText)
		return nil
	})
	f.ship()
	assert.Empty(t, f.element(p).Text())
	_, ok := f.element(p).Property(domain.PropertyText)
	assert.False(t, ok)
}

func TestApplier_ListenerForwardsRequestedKeys(t *testing.T) {
	f := newFixture(t)
	var button *tree.Node
	var got []*tree.Event
	f.write(func() error {
		button = f.tree.CreateElement("button")
		require.NoError(t, button.AddEventListener("click", []string{"x"}, func(ev *tree.Event) error {
			got = append(got, ev)
			return nil
		}))
		return f.tree.Root().AppendChild(button)
	})
	f.sync()

	require.NoError(t, f.applier.Dispatch(button.ID(), "click", map[string]domain.Value{"x": 42, "y": 7}))
	invs := f.applier.Channel().Flush()
	require.Len(t, invs, 1)
	assert.Equal(t, domain.NewEventInvocation(button.ID(), "click", map[string]domain.Value{"x": 42}), invs[0])

	require.NoError(t, f.tree.Write(func() error { return f.tree.DispatchEvent(invs[0]) }))
	require.Len(t, got, 1)
	assert.Equal(t, 42, got[0].Data["x"])
	assert.Empty(t, f.tree.Flush(), "listener produced no mutations")

	f.write(func() error {
		button.RemoveEventListener("click")
		return nil
	})
	f.ship()
	require.NoError(t, f.applier.Dispatch(button.ID(), "click", nil))
	assert.Empty(t, f.applier.Channel().Flush())
}

func TestApplier_InputSendsProperty(t *testing.T) {
	f := newFixture(t)
	var input *tree.Node
	f.write(func() error {
		input = f.tree.CreateElement("input")
		return f.tree.Root().AppendChild(input)
	})
	f.sync()

	require.NoError(t, f.applier.Input(input.ID(), "value", "typed"))
	v, _ := f.element(input).Property("value")
	assert.Equal(t, "typed", v)

	invs := f.applier.Channel().Flush()
	require.Len(t, invs, 1)
	require.NoError(t, f.tree.Write(func() error { return f.tree.DispatchEvent(invs[0]) }))
	got, _ := input.Property("value")
	assert.Equal(t, "typed", got)

	assert.ErrorIs(t, f.applier.Input(99, "value", "x"), domain.ErrNodeNotFound)
}

func TestApplier_SequenceChecks(t *testing.T) {
	f := newFixture(t)
	f.sync()
	ctx := context.Background()

	t.Run("duplicate is dropped", func(t *testing.T) {
		require.NoError(t, f.applier.Apply(ctx, domain.Batch{Epoch: "e1", Seq: 1}))
		assert.Equal(t, StateSynchronized, f.applier.State())
		assert.Empty(t, f.resyncs)
	})

	t.Run("other epoch is dropped", func(t *testing.T) {
		require.NoError(t, f.applier.Apply(ctx, domain.Batch{Epoch: "e0", Seq: 2}))
		assert.Equal(t, uint64(1), f.applier.Seq())
	})

	t.Run("gap forces resync", func(t *testing.T) {
		err := f.applier.Apply(ctx, domain.Batch{Epoch: "e1", Seq: 3})
		assert.ErrorIs(t, err, domain.ErrSequenceGap)
		assert.True(t, domain.IsProtocolError(err))
		assert.Equal(t, StateResyncing, f.applier.State())
		require.Len(t, f.resyncs, 1)
		assert.ErrorIs(t, f.resyncs[0], domain.ErrSequenceGap)

		// Deltas are ignored until the dump arrives.
		require.NoError(t, f.applier.Apply(ctx, domain.Batch{Epoch: "e1", Seq: 2}))
		f.sync()
		assert.Equal(t, StateSynchronized, f.applier.State())
	})
}

func TestApplier_DeltaBeforeSync(t *testing.T) {
	f := newFixture(t)
	err := f.applier.Apply(context.Background(), domain.Batch{Epoch: "e1", Seq: 1})
	assert.ErrorIs(t, err, domain.ErrUnexpectedDeltaBeforeSync)
	assert.Equal(t, StateResyncing, f.applier.State())
	assert.Len(t, f.resyncs, 1)
}

func TestApplier_UnknownNodeReference(t *testing.T) {
	f := newFixture(t)
	f.sync()
	var desyncs []*domain.DesyncEvent
	f.applier.hooks.OnDesync = func(_ context.Context, e *domain.DesyncEvent) { desyncs = append(desyncs, e) }

	err := f.applier.Apply(context.Background(), domain.Batch{Epoch: "e1", Seq: 2, Changes: []domain.Change{
		{Node: 42, Record: domain.ValuePut{Feature: domain.FeatureProperties, Key: "x", Value: 1}},
	}})
	assert.ErrorIs(t, err, domain.ErrUnknownNodeReference)
	require.Len(t, desyncs, 1)
	assert.Equal(t, "unknown_node", desyncs[0].Reason)
}

func TestApplier_DisconnectBuffersInvocations(t *testing.T) {
	f := newFixture(t)
	var button *tree.Node
	f.write(func() error {
		button = f.tree.CreateElement("button")
		require.NoError(t, button.AddEventListener("click", nil, nil))
		return f.tree.Root().AppendChild(button)
	})
	f.sync()
	ctx := context.Background()

	require.NoError(t, f.applier.Disconnect(ctx))
	assert.Equal(t, StateDisconnected, f.applier.State())
	require.NoError(t, f.applier.Dispatch(button.ID(), "click", nil))
	require.NoError(t, f.applier.Dispatch(button.ID(), "click", nil))
	assert.Nil(t, f.applier.Channel().Flush())
	assert.Equal(t, 2, f.applier.Channel().Pending())

	// Full dumps are not accepted until reconnected.
	require.NoError(t, f.applier.Apply(ctx, domain.Batch{Epoch: "e2", Seq: 1, Full: true}))
	assert.Equal(t, StateDisconnected, f.applier.State())

	require.NoError(t, f.applier.Reconnect(ctx))
	assert.Equal(t, StateResyncing, f.applier.State())
	require.Len(t, f.resyncs, 1)
	assert.NoError(t, f.resyncs[0])

	f.sync()
	assert.Len(t, f.applier.Channel().Flush(), 2)
}

func todoTemplate() template.Descriptor {
	return template.Descriptor{
		ID:         1,
		Tag:        "input",
		Attributes: map[string]string{"type": "checkbox", "checked": ""},
		Bindings: []template.Binding{
			{Key: "done", Target: "checked", Kind: template.BindProperty},
			{Key: "title", Target: "title", Kind: template.BindAttribute},
		},
		Classes:       []string{"todo"},
		ClassBindings: []template.ClassBinding{{Key: "done", Class: "completed"}},
		Events: map[string][]string{
			"change": {
				"element.checked = event.checked",
				"$server.toggle(model.title, event.checked)",
			},
		},
		Model: []string{"done", "title"},
	}
}

func TestApplier_TemplateBinding(t *testing.T) {
	reg := template.NewRegistry()
	reg.MustRegister(todoTemplate())
	f := newFixture(t, WithTemplates(reg))

	var item *tree.Node
	f.write(func() error {
		item = f.tree.CreateNode()
		require.NoError(t, item.BindTemplate(1))
		require.NoError(t, item.SetModel("title", "milk"))
		return f.tree.Root().AppendChild(item)
	})
	f.sync()

	el := f.element(item)
	assert.Equal(t, "input", el.Tag())
	assert.Equal(t, []string{"todo"}, el.Classes())
	title, _ := el.Attribute("title")
	assert.Equal(t, "milk", title)

	f.write(func() error { return item.SetModel("done", true) })
	f.ship()
	assert.Equal(t, []string{"todo", "completed"}, el.Classes())
	checked, _ := el.Property("checked")
	assert.Equal(t, true, checked)

	require.NoError(t, f.applier.Dispatch(item.ID(), "change", map[string]domain.Value{"checked": false}))
	checked, _ = el.Property("checked")
	assert.Equal(t, false, checked, "element-local effect")
	invs := f.applier.Channel().Flush()
	require.Len(t, invs, 1)
	assert.Equal(t, domain.NewHandlerInvocation(item.ID(), "change", "toggle", "milk", false), invs[0])
}

func TestApplier_BoundPropertyIsNotAnAttribute(t *testing.T) {
	reg := template.NewRegistry()
	reg.MustRegister(todoTemplate())
	f := newFixture(t, WithTemplates(reg))

	var item *tree.Node
	f.write(func() error {
		item = f.tree.CreateNode()
		require.NoError(t, item.BindTemplate(1))
		return f.tree.Root().AppendChild(item)
	})
	f.sync()

	f.write(func() error { return item.SetProperty("checked", true) })
	f.ship()

	el := f.element(item)
	v, ok := el.Property("checked")
	assert.True(t, ok)
	assert.Equal(t, true, v)
	_, isAttr := el.Attribute("checked")
	assert.False(t, isAttr)
	typ, _ := el.Attribute("type")
	assert.Equal(t, "checkbox", typ)
}

func TestApplier_StaleTemplate(t *testing.T) {
	f := newFixture(t)
	f.sync()

	f.write(func() error {
		n := f.tree.CreateNode()
		require.NoError(t, n.BindTemplate(9))
		return f.tree.Root().AppendChild(n)
	})
	changes := f.tree.Flush()
	err := f.applier.Apply(context.Background(), domain.Batch{Epoch: "e1", Seq: 2, Changes: changes})
	assert.ErrorIs(t, err, domain.ErrStaleTemplateReference)
	assert.Equal(t, "stale_template", Reason(err))
	assert.Equal(t, StateResyncing, f.applier.State())
	require.Len(t, f.resyncs, 1)
}

func TestApplier_ApplyHook(t *testing.T) {
	var events []*domain.ApplyEvent
	f := newFixture(t, WithLifecycleHooks(domain.LifecycleHooks{
		OnApply: func(_ context.Context, e *domain.ApplyEvent) { events = append(events, e) },
	}))
	f.todoList()
	f.sync()

	require.Len(t, events, 1)
	assert.True(t, events[0].Full)
	assert.Equal(t, len(f.tree.Snapshot()), events[0].Changes)
}

func TestApplier_ParentMustBeIntroduced(t *testing.T) {
	ctx := context.Background()

	t.Run("never introduced", func(t *testing.T) {
		f := newFixture(t)
		f.sync()
		err := f.applier.Apply(ctx, domain.Batch{Epoch: "e1", Seq: 2, Changes: []domain.Change{
			{Node: 5, Record: domain.ParentChanged{New: 99}},
			{Node: 5, Record: domain.ValuePut{Feature: domain.FeatureTag, Key: "tag", Value: "div"}},
		}})
		assert.ErrorIs(t, err, domain.ErrUnknownNodeReference)
		assert.True(t, domain.IsProtocolError(err))
		assert.Equal(t, StateResyncing, f.applier.State())
		require.Len(t, f.resyncs, 1)

		f.sync()
		assert.Equal(t, 1, f.applier.Len())
	})

	t.Run("parent does not list the node", func(t *testing.T) {
		f := newFixture(t)
		f.sync()
		err := f.applier.Apply(ctx, domain.Batch{Epoch: "e1", Seq: 2, Changes: []domain.Change{
			{Node: 5, Record: domain.ParentChanged{New: domain.RootID}},
			{Node: 5, Record: domain.ValuePut{Feature: domain.FeatureTag, Key: "tag", Value: "div"}},
		}})
		assert.ErrorIs(t, err, domain.ErrParentMismatch)
		assert.Equal(t, "parent_mismatch", Reason(err))
		assert.Equal(t, StateResyncing, f.applier.State())
	})

	t.Run("introduced later in the batch", func(t *testing.T) {
		f := newFixture(t)
		var p *tree.Node
		f.write(func() error {
			p = f.tree.CreateElement("p")
			return f.tree.Root().AppendChild(p)
		})
		f.sync()

		var div *tree.Node
		f.write(func() error {
			require.NoError(t, p.SetText("first"))
			div = f.tree.CreateElement("div")
			require.NoError(t, f.tree.Root().AppendChild(div))
			return div.AppendChild(p)
		})
		changes := f.ship()
		require.Equal(t, p.ID(), changes[0].Node)
		assert.Equal(t, domain.ParentChanged{Old: domain.RootID, New: div.ID()}, changes[0].Record)
		assert.Equal(t, "<body><div><p>first</p></div></body>", f.html())
		assert.Empty(t, f.resyncs)
	})
}

func TestApplier_DetachedNodeIsDropped(t *testing.T) {
	f := newFixture(t)
	ul, items := f.todoList()
	f.sync()

	f.write(func() error { return ul.RemoveChild(items[1]) })
	changes := f.ship()
	assert.Contains(t, changes, domain.Change{Node: items[1].ID(), Record: domain.ParentChanged{Old: ul.ID(), New: domain.NoNode}})
	_, ok := f.applier.Mirror(items[1].ID())
	assert.False(t, ok)
	assert.Equal(t, `<body><ul class="todos"><li>milk</li><li>bread</li></ul></body>`, f.html())
}

func TestApplier_TemplateUnbind(t *testing.T) {
	reg := template.NewRegistry()
	reg.MustRegister(todoTemplate())
	f := newFixture(t, WithTemplates(reg))

	var tagged, bare *tree.Node
	f.write(func() error {
		tagged = f.tree.CreateElement("input")
		require.NoError(t, tagged.BindTemplate(1))
		require.NoError(t, tagged.SetModel("title", "milk"))
		require.NoError(t, tagged.SetAttribute("data-id", "7"))
		bare = f.tree.CreateNode()
		require.NoError(t, bare.BindTemplate(1))
		require.NoError(t, f.tree.Root().AppendChild(tagged))
		return f.tree.Root().AppendChild(bare)
	})
	f.sync()
	_, ok := f.applier.Element(bare.ID())
	require.True(t, ok)

	f.write(func() error {
		tagged.Scalar(domain.FeatureTemplate).Clear()
		bare.Scalar(domain.FeatureTemplate).Clear()
		return nil
	})
	f.ship()

	m, ok := f.applier.Mirror(tagged.ID())
	require.True(t, ok)
	assert.Nil(t, m.Template())
	el := f.element(tagged)
	assert.Equal(t, map[string]string{"data-id": "7"}, el.Attributes())
	assert.Empty(t, el.Classes())
	require.NoError(t, f.applier.Dispatch(tagged.ID(), "change", map[string]domain.Value{"checked": true}))
	assert.Empty(t, f.applier.Channel().Flush(), "template listeners are gone")

	// Without a tag of its own the node has no element left.
	_, ok = f.applier.Element(bare.ID())
	assert.False(t, ok)
	assert.Equal(t, `<body><input data-id="7"/></body>`, f.html())
}

func TestApplier_TagRemoval(t *testing.T) {
	f := newFixture(t)
	var p *tree.Node
	f.write(func() error {
		p = f.tree.CreateElement("p")
		require.NoError(t, p.SetText("hi"))
		return f.tree.Root().AppendChild(p)
	})
	f.sync()

	f.write(func() error {
		p.Scalar(domain.FeatureTag).Clear()
		return nil
	})
	f.ship()
	_, ok := f.applier.Element(p.ID())
	assert.False(t, ok)
	assert.Equal(t, "<body></body>", f.html())

	f.write(func() error { return p.SetTag("span") })
	f.ship()
	assert.Equal(t, "<body><span>hi</span></body>", f.html())
}
