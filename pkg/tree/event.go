package tree

import (
	"fmt"
	"maps"
	"slices"

	"github.com/aretw0/lattice/pkg/domain"
)

// Event is delivered to server-side listeners and handlers.
type Event struct {
	Node *Node
	// Type is the renderer event name.
	Type string
	Data map[string]domain.Value
	// Args carries the evaluated arguments of a handler invocation.
	Args []domain.Value
}

// EventFunc reacts to a renderer event inside the write context of the tree.
type EventFunc func(ev *Event) error

// DispatchEvent applies one invocation coming from the renderer. Property
// invocations become ordinary property puts, so the renderer gets them back in
// the next flush. It must be called inside Write.
func (t *Tree) DispatchEvent(inv domain.Invocation) error {
	t.mustWrite("dispatch event")
	n, ok := t.Node(inv.NodeID)
	if !ok {
		return fmt.Errorf("dispatch %s to node %d: %w", inv.Kind, inv.NodeID, domain.ErrNodeNotFound)
	}

	switch inv.Kind {
	case domain.KindProperty:
		for _, k := range slices.Sorted(maps.Keys(inv.Data)) {
			if err := n.SetProperty(k, inv.Data[k]); err != nil {
				return fmt.Errorf("sync property %q of node %d: %w", k, n.id, err)
			}
		}
		return nil

	case domain.KindEvent:
		fn, ok := n.listeners[inv.Event]
		if !ok {
			t.logger.Debug("event without server listener", "node_id", n.id, "event", inv.Event)
			return nil
		}
		return fn(&Event{Node: n, Type: inv.Event, Data: inv.Data})

	case domain.KindHandler:
		fn, ok := t.handler(inv.Handler)
		if !ok {
			return fmt.Errorf("invoke %q on node %d: %w", inv.Handler, n.id, domain.ErrUnknownHandler)
		}
		return fn(&Event{Node: n, Type: inv.Event, Data: inv.Data, Args: inv.Args})
	}
	return fmt.Errorf("dispatch to node %d: %w: invocation kind %q", n.id, domain.ErrInvalidValue, inv.Kind)
}
