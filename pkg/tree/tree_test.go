package tree

import (
	"errors"
	"testing"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_AttachEmitsFullDump(t *testing.T) {
	tr := New()
	var li *Node
	write(t, tr, func() error {
		li = tr.CreateElement("li")
		require.NoError(t, li.SetText("buy milk"))
		require.NoError(t, li.AddClass("todo"))
		return tr.Root().AppendChild(li)
	})

	assert.Equal(t, []domain.Change{
		{Node: domain.RootID, Record: domain.ListInserted{Feature: domain.FeatureChildren, Index: 0, Value: domain.Ref(li.ID())}},
		{Node: li.ID(), Record: domain.ParentChanged{Old: domain.NoNode, New: domain.RootID}},
		{Node: li.ID(), Record: domain.ValuePut{Feature: domain.FeatureTag, Key: "tag", Value: "li"}},
		{Node: li.ID(), Record: domain.ValuePut{Feature: domain.FeatureProperties, Key: "text", Value: "buy milk"}},
		{Node: li.ID(), Record: domain.ListInsertedMany{Feature: domain.FeatureClassList, Index: 0, Values: []domain.Value{"todo"}}},
	}, tr.Flush())
	assert.Empty(t, tr.Flush(), "flush clears the pending logs")
	assert.Equal(t, 2, tr.Len())
}

func TestTree_FlushOrderIsFirstDirty(t *testing.T) {
	tr := New()
	var a, b *Node
	write(t, tr, func() error {
		a = tr.CreateElement("a")
		b = tr.CreateElement("b")
		require.NoError(t, tr.Root().AppendChild(a))
		return tr.Root().AppendChild(b)
	})
	tr.Flush()

	write(t, tr, func() error {
		require.NoError(t, b.SetProperty("x", 1))
		require.NoError(t, a.SetProperty("y", 2))
		return b.SetProperty("z", 3)
	})

	changes := tr.Flush()
	require.Len(t, changes, 3)
	assert.Equal(t, b.ID(), changes[0].Node)
	assert.Equal(t, b.ID(), changes[1].Node)
	assert.Equal(t, a.ID(), changes[2].Node)
	assert.Equal(t, "z", changes[1].Record.(domain.ValuePut).Key)
}

func TestTree_DetachEmitsParentChanged(t *testing.T) {
	tr, n := newAttached(t)

	write(t, tr, func() error { return tr.Root().RemoveChild(n) })

	assert.Equal(t, []domain.Change{
		{Node: domain.RootID, Record: domain.ListRemoved{Feature: domain.FeatureChildren, Index: 0, OldValue: domain.Ref(n.ID())}},
		{Node: n.ID(), Record: domain.ParentChanged{Old: domain.RootID, New: domain.NoNode}},
	}, tr.Flush())
	assert.False(t, tr.Pending())
}

func TestTree_DetachedRecordsAreDropped(t *testing.T) {
	tr, n := newAttached(t)

	write(t, tr, func() error {
		require.NoError(t, n.SetProperty("value", "lost"))
		return tr.Root().RemoveChild(n)
	})

	// n became dirty first, so its ParentChanged leads the batch.
	assert.Equal(t, []domain.Change{
		{Node: n.ID(), Record: domain.ParentChanged{Old: domain.RootID, New: domain.NoNode}},
		{Node: domain.RootID, Record: domain.ListRemoved{Feature: domain.FeatureChildren, Index: 0, OldValue: domain.Ref(n.ID())}},
	}, tr.Flush())
	assert.False(t, n.IsAttached())
	_, ok := tr.Node(n.ID())
	assert.False(t, ok)

	// Mutating a detached node records nothing.
	write(t, tr, func() error { return n.SetProperty("value", "still lost") })
	assert.Empty(t, tr.Flush())
}

func TestTree_DetachOfUnflushedNodeOnlyTouchesParent(t *testing.T) {
	tr := New()
	write(t, tr, func() error {
		n := tr.CreateElement("div")
		require.NoError(t, tr.Root().AppendChild(n))
		return tr.Root().RemoveChild(n)
	})

	changes := tr.Flush()
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, domain.RootID, c.Node)
	}
}

func TestTree_DetachNestedSubtree(t *testing.T) {
	tr := New()
	var ul, li *Node
	write(t, tr, func() error {
		ul = tr.CreateElement("ul")
		li = tr.CreateElement("li")
		require.NoError(t, ul.AppendChild(li))
		return tr.Root().AppendChild(ul)
	})
	// A resync announces the nodes as well as a flush does.
	tr.Resync()

	write(t, tr, func() error {
		require.NoError(t, li.SetText("gone"))
		return tr.Root().RemoveChild(ul)
	})
	assert.Equal(t, []domain.Change{
		{Node: domain.RootID, Record: domain.ListRemoved{Feature: domain.FeatureChildren, Index: 0, OldValue: domain.Ref(ul.ID())}},
		{Node: ul.ID(), Record: domain.ParentChanged{Old: domain.RootID, New: domain.NoNode}},
	}, tr.Flush())

	// Detaching below a detached node records nothing.
	write(t, tr, func() error { return ul.RemoveChild(li) })
	assert.Empty(t, tr.Flush())

	// Once reattached and flushed, ul is announced again.
	write(t, tr, func() error { return tr.Root().AppendChild(ul) })
	tr.Flush()
	write(t, tr, func() error { return tr.Root().RemoveChild(ul) })
	assert.Contains(t, tr.Flush(), domain.Change{Node: ul.ID(), Record: domain.ParentChanged{Old: domain.RootID, New: domain.NoNode}})
}

func TestTree_ReattachReplaysCurrentState(t *testing.T) {
	tr, n := newAttached(t)
	write(t, tr, func() error { return tr.Root().RemoveChild(n) })
	tr.Flush()

	write(t, tr, func() error {
		require.NoError(t, n.SetProperty("value", "changed while detached"))
		return tr.Root().AppendChild(n)
	})

	assert.Equal(t, []domain.Change{
		{Node: domain.RootID, Record: domain.ListInserted{Feature: domain.FeatureChildren, Index: 0, Value: domain.Ref(n.ID())}},
		{Node: n.ID(), Record: domain.ParentChanged{Old: domain.NoNode, New: domain.RootID}},
		{Node: n.ID(), Record: domain.ValuePut{Feature: domain.FeatureTag, Key: "tag", Value: "div"}},
		{Node: n.ID(), Record: domain.ValuePut{Feature: domain.FeatureProperties, Key: "value", Value: "changed while detached"}},
	}, tr.Flush())
}

func TestTree_AttachSubtreeDumpsEveryNode(t *testing.T) {
	tr := New()
	var ul, li *Node
	write(t, tr, func() error {
		ul = tr.CreateElement("ul")
		li = tr.CreateElement("li")
		require.NoError(t, ul.AppendChild(li))
		return tr.Root().AppendChild(ul)
	})

	changes := tr.Flush()
	assert.Equal(t, []domain.Change{
		{Node: domain.RootID, Record: domain.ListInserted{Feature: domain.FeatureChildren, Index: 0, Value: domain.Ref(ul.ID())}},
		{Node: ul.ID(), Record: domain.ParentChanged{Old: domain.NoNode, New: domain.RootID}},
		{Node: ul.ID(), Record: domain.ValuePut{Feature: domain.FeatureTag, Key: "tag", Value: "ul"}},
		{Node: ul.ID(), Record: domain.ListInsertedMany{Feature: domain.FeatureChildren, Index: 0, Values: []domain.Value{domain.Ref(li.ID())}}},
		{Node: li.ID(), Record: domain.ParentChanged{Old: domain.NoNode, New: ul.ID()}},
		{Node: li.ID(), Record: domain.ValuePut{Feature: domain.FeatureTag, Key: "tag", Value: "li"}},
	}, changes)
}

func TestTree_MoveWithinTree(t *testing.T) {
	tr := New()
	var a, b, c *Node
	write(t, tr, func() error {
		a = tr.CreateElement("a")
		b = tr.CreateElement("b")
		c = tr.CreateElement("c")
		require.NoError(t, tr.Root().AppendChild(a))
		require.NoError(t, tr.Root().AppendChild(b))
		return a.AppendChild(c)
	})
	tr.Flush()

	write(t, tr, func() error { return b.AppendChild(c) })

	changes := tr.Flush()
	require.NotEmpty(t, changes)
	assert.Equal(t, domain.Change{Node: a.ID(), Record: domain.ListRemoved{Feature: domain.FeatureChildren, Index: 0, OldValue: domain.Ref(c.ID())}}, changes[0])
	assert.Contains(t, changes, domain.Change{Node: c.ID(), Record: domain.ParentChanged{Old: a.ID(), New: b.ID()}})
	assert.Equal(t, []*Node{c}, b.Children())
	assert.Empty(t, a.Children())
	assert.Same(t, b, c.Parent())
}

func TestTree_AttachRejectsCycles(t *testing.T) {
	tr := New()
	write(t, tr, func() error {
		a := tr.CreateElement("a")
		b := tr.CreateElement("b")
		require.NoError(t, a.AppendChild(b))

		assert.ErrorIs(t, b.AppendChild(a), domain.ErrCycle)
		assert.ErrorIs(t, a.AppendChild(a), domain.ErrCycle)
		assert.ErrorIs(t, a.AppendChild(tr.Root()), domain.ErrCycle)
		assert.ErrorIs(t, tr.AttachAt(a, tr.Root(), 3), domain.ErrIndexOutOfRange)
		return nil
	})
	assert.Empty(t, tr.Flush())
}

func TestTree_InsertChildAtIndex(t *testing.T) {
	tr := New()
	var a, b, c *Node
	write(t, tr, func() error {
		a = tr.CreateElement("a")
		b = tr.CreateElement("b")
		c = tr.CreateElement("c")
		require.NoError(t, tr.Root().AppendChild(a))
		require.NoError(t, tr.Root().AppendChild(c))
		return tr.Root().InsertChild(1, b)
	})
	assert.Equal(t, []*Node{a, b, c}, tr.Root().Children())
	assert.Equal(t, []domain.Value{domain.Ref(a.ID()), domain.Ref(b.ID()), domain.Ref(c.ID())},
		tr.Root().List(domain.FeatureChildren).Values())
}

func TestTree_AdoptFromAnotherTree(t *testing.T) {
	src := New()
	var item, label *Node
	write(t, src, func() error {
		item = src.CreateElement("li")
		label = src.CreateElement("span")
		require.NoError(t, label.SetText("hi"))
		return item.AppendChild(label)
	})
	oldItem, oldLabel := item.ID(), label.ID()

	dst := New()
	write(t, dst, func() error {
		// Burn ids so both trees disagree.
		dst.CreateNode()
		dst.CreateNode()
		return dst.Root().AppendChild(item)
	})

	assert.Same(t, dst, item.Tree())
	assert.Same(t, dst, label.Tree())
	assert.NotEqual(t, oldItem, item.ID())

	changes := dst.Flush()
	assert.Contains(t, changes, domain.Change{Node: item.ID(), Record: domain.IDChanged{Old: oldItem, New: item.ID()}})
	assert.Contains(t, changes, domain.Change{Node: label.ID(), Record: domain.IDChanged{Old: oldLabel, New: label.ID()}})
	assert.Contains(t, changes, domain.Change{Node: item.ID(), Record: domain.ListInsertedMany{
		Feature: domain.FeatureChildren, Values: []domain.Value{domain.Ref(label.ID())},
	}})

	// IDChanged comes first for each adopted node.
	for i, c := range changes {
		if c.Node == item.ID() {
			assert.IsType(t, domain.IDChanged{}, c.Record)
			assert.IsType(t, domain.ParentChanged{}, changes[i+1].Record)
			break
		}
	}
	assert.Empty(t, src.Flush())
}

func TestTree_AdoptRequiresUnlinkedNode(t *testing.T) {
	src := New()
	var child *Node
	write(t, src, func() error {
		parent := src.CreateElement("ul")
		child = src.CreateElement("li")
		return parent.AppendChild(child)
	})

	dst := New()
	err := dst.Write(func() error { return dst.Root().AppendChild(child) })
	assert.ErrorIs(t, err, domain.ErrNodeAttached)
}

func TestTree_SnapshotAndResync(t *testing.T) {
	tr := New()
	var ul, li *Node
	write(t, tr, func() error {
		require.NoError(t, tr.Root().SetTag("body"))
		ul = tr.CreateElement("ul")
		li = tr.CreateElement("li")
		require.NoError(t, ul.AppendChild(li))
		return tr.Root().AppendChild(ul)
	})

	snap := tr.Snapshot()
	assert.Equal(t, []domain.Change{
		{Node: domain.RootID, Record: domain.ValuePut{Feature: domain.FeatureTag, Key: "tag", Value: "body"}},
		{Node: domain.RootID, Record: domain.ListInsertedMany{Feature: domain.FeatureChildren, Values: []domain.Value{domain.Ref(ul.ID())}}},
		{Node: ul.ID(), Record: domain.ParentChanged{New: domain.RootID}},
		{Node: ul.ID(), Record: domain.ValuePut{Feature: domain.FeatureTag, Key: "tag", Value: "ul"}},
		{Node: ul.ID(), Record: domain.ListInsertedMany{Feature: domain.FeatureChildren, Values: []domain.Value{domain.Ref(li.ID())}}},
		{Node: li.ID(), Record: domain.ParentChanged{New: ul.ID()}},
		{Node: li.ID(), Record: domain.ValuePut{Feature: domain.FeatureTag, Key: "tag", Value: "li"}},
	}, snap)
	assert.True(t, tr.Pending(), "snapshot keeps pending logs")

	assert.Equal(t, snap, tr.Resync())
	assert.False(t, tr.Pending())
	assert.Empty(t, tr.Flush())
}

func TestTree_CreateNodeOutsideWritePanics(t *testing.T) {
	tr := New()
	assert.Panics(t, func() { tr.CreateNode() })
}

func TestTree_WriteReleasesContextOnPanic(t *testing.T) {
	tr := New()
	assert.Panics(t, func() {
		_ = tr.Write(func() error { panic("boom") })
	})
	assert.False(t, tr.Writing())
	write(t, tr, func() error { return tr.Root().SetTag("body") })
}

type countingObserver struct {
	domain.HandlerFuncs
	puts int
}

func TestTree_ObserverSeesFlushedChanges(t *testing.T) {
	obs := &countingObserver{}
	obs.OnValuePut = func(domain.NodeID, domain.ValuePut) error {
		obs.puts++
		return nil
	}
	tr := New(WithObserver(obs))

	write(t, tr, func() error {
		require.NoError(t, tr.Root().SetTag("body"))
		return tr.Root().SetProperty("title", "x")
	})
	assert.Zero(t, obs.puts, "observers run on flush")
	tr.Flush()
	assert.Equal(t, 2, obs.puts)
}

func TestTree_TemplateBinding(t *testing.T) {
	tr, n := newAttached(t)
	write(t, tr, func() error {
		require.NoError(t, n.BindTemplate(7))
		require.NoError(t, n.BindTemplate(7))
		err := n.BindTemplate(8)
		assert.ErrorIs(t, err, domain.ErrTemplateRebind)
		return n.SetModel("done", true)
	})

	id, ok := n.Template()
	assert.True(t, ok)
	assert.Equal(t, 7, id)
	assert.Equal(t, map[string]domain.Value{"done": true}, n.Model())
	assert.Equal(t, []domain.Record{
		domain.ValuePut{Feature: domain.FeatureTemplate, Key: "template", Value: 7},
		domain.ValuePut{Feature: domain.FeatureModel, Key: "done", Value: true},
	}, records(tr.Flush()))
}

func TestTree_DispatchEvent(t *testing.T) {
	tr, button := newAttached(t)
	var got *Event
	write(t, tr, func() error {
		return button.AddEventListener("click", []string{"x"}, func(ev *Event) error {
			got = ev
			return ev.Node.SetProperty("clicked", true)
		})
	})
	assert.Equal(t, []domain.Record{
		domain.ValuePut{Feature: domain.FeatureListeners, Key: "click", Value: []string{"x"}},
	}, records(tr.Flush()))

	write(t, tr, func() error {
		return tr.DispatchEvent(domain.NewEventInvocation(button.ID(), "click", map[string]domain.Value{"x": 42}))
	})
	require.NotNil(t, got)
	assert.Equal(t, "click", got.Type)
	assert.Equal(t, 42, got.Data["x"])
	assert.Len(t, tr.Flush(), 1)

	t.Run("unknown event is ignored", func(t *testing.T) {
		write(t, tr, func() error {
			return tr.DispatchEvent(domain.NewEventInvocation(button.ID(), "dblclick", nil))
		})
		assert.Empty(t, tr.Flush())
	})

	t.Run("property sync is echoed", func(t *testing.T) {
		write(t, tr, func() error {
			return tr.DispatchEvent(domain.NewPropertyInvocation(button.ID(), "value", "typed"))
		})
		assert.Equal(t, []domain.Record{
			domain.ValuePut{Feature: domain.FeatureProperties, Key: "value", Value: "typed"},
		}, records(tr.Flush()))
	})

	t.Run("handler invocation", func(t *testing.T) {
		var args []domain.Value
		tr.HandleFunc("toggle", func(ev *Event) error {
			args = ev.Args
			return nil
		})
		write(t, tr, func() error {
			return tr.DispatchEvent(domain.NewHandlerInvocation(button.ID(), "click", "toggle", "a", 1))
		})
		assert.Equal(t, []domain.Value{"a", 1}, args)
		assert.Equal(t, []string{"toggle"}, tr.Handlers())

		err := tr.Write(func() error {
			return tr.DispatchEvent(domain.NewHandlerInvocation(button.ID(), "click", "missing"))
		})
		assert.ErrorIs(t, err, domain.ErrUnknownHandler)
	})

	t.Run("unknown node", func(t *testing.T) {
		err := tr.Write(func() error {
			return tr.DispatchEvent(domain.NewEventInvocation(99, "click", nil))
		})
		assert.True(t, errors.Is(err, domain.ErrNodeNotFound))
	})
}
