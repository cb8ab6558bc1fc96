package tree

import (
	"fmt"
	"slices"

	"github.com/aretw0/lattice/pkg/domain"
)

// Attach appends node to the children of parent.
func (t *Tree) Attach(node, parent *Node) error {
	if parent == nil {
		return fmt.Errorf("attach: nil parent: %w", domain.ErrNodeNotFound)
	}
	i := len(parent.children)
	if node != nil && node.parent == parent {
		i--
	}
	return t.AttachAt(node, parent, i)
}

// AttachAt inserts node at index i of the children of parent.
//
// A node already linked elsewhere in this tree is moved. A node created by
// another tree is adopted: it must be unlinked there, and every node of its
// subtree gets a fresh id announced with IDChanged. When parent is attached,
// each node of the subtree replays its full state after a ParentChanged.
func (t *Tree) AttachAt(node, parent *Node, i int) error {
	t.mustWrite("attach")
	if node == nil {
		return fmt.Errorf("attach: nil node: %w", domain.ErrNodeNotFound)
	}
	if parent == nil || parent.tree != t {
		return fmt.Errorf("attach node %d: parent is not in this tree: %w", node.id, domain.ErrNodeNotFound)
	}
	if node == t.root || node == node.tree.root {
		return fmt.Errorf("attach: root node %d: %w", node.id, domain.ErrCycle)
	}
	for p := parent; p != nil; p = p.parent {
		if p == node {
			return fmt.Errorf("attach node %d under %d: %w", node.id, parent.id, domain.ErrCycle)
		}
	}
	size := len(parent.children)
	if node.parent == parent {
		size--
	}
	if i < 0 || i > size {
		return &domain.IndexError{Op: "attach", Index: i, Size: size}
	}

	var renamed map[*Node]domain.NodeID
	oldParent := domain.NoNode
	if node.tree != t {
		if node.parent != nil {
			return fmt.Errorf("adopt node %d: %w", node.id, domain.ErrNodeAttached)
		}
		renamed = t.adopt(node)
	} else if node.parent != nil {
		oldParent = node.parent.id
		t.unlink(node)
	}

	parent.children = slices.Insert(parent.children, i, node)
	parent.List(domain.FeatureChildren).insertRef(i, domain.Ref(node.id))
	node.parent = parent

	if parent.attached {
		t.attachSubtree(node, oldParent, renamed)
	}
	t.logger.Debug("node attached", "node_id", node.id, "parent", parent.id, "index", i)
	return nil
}

// Detach unlinks node from its parent. Detaching a node without a parent is a no-op.
// The subtree keeps its state and ids and can be attached again. The parent
// records a ListRemoved and the node a final ParentChanged to NoNode; the
// latter is skipped for a node attached since the last flush.
func (t *Tree) Detach(node *Node) error {
	t.mustWrite("detach")
	if node == nil || node.tree != t {
		return fmt.Errorf("detach: %w", domain.ErrNodeNotFound)
	}
	if node.parent == nil {
		return nil
	}
	parent := node.parent.id
	t.unlink(node)
	t.logger.Debug("node detached", "node_id", node.id, "parent", parent)
	return nil
}

// unlink removes node from its parent's children, recording a ListRemoved on
// the parent, and drops the subtree from the arena.
func (t *Tree) unlink(node *Node) {
	p := node.parent
	i := slices.Index(p.children, node)
	p.children = slices.Delete(p.children, i, i+1)
	p.List(domain.FeatureChildren).removeRef(i)
	node.parent = nil
	if node.attached {
		t.detachSubtree(node, p.id)
	}
}

// detachSubtree marks the subtree detached and drops its pending logs. The
// subtree root keeps a single ParentChanged to NoNode, which Flush still
// emits. A later attach in the same cycle replaces it with a full dump.
func (t *Tree) detachSubtree(node *Node, parent domain.NodeID) {
	t.arenaMu.Lock()
	defer t.arenaMu.Unlock()
	walk(node, func(n *Node) bool {
		n.attached = false
		n.pending = nil
		if n != node {
			// Renderers drop the mirrors below a detached node.
			n.dirty = false
			n.announced = false
		}
		delete(t.nodes, n.id)
		return true
	})
	if node.announced {
		node.pending = []domain.Record{domain.ParentChanged{Old: parent, New: domain.NoNode}}
		t.markDirty(node)
	}
}

// attachSubtree marks the subtree attached and replaces each pending log with
// a full dump. oldParent is reported in the ParentChanged of the subtree root.
func (t *Tree) attachSubtree(node *Node, oldParent domain.NodeID, renamed map[*Node]domain.NodeID) {
	t.arenaMu.Lock()
	defer t.arenaMu.Unlock()
	walk(node, func(n *Node) bool {
		n.attached = true
		t.nodes[n.id] = n

		var log []domain.Record
		if old, ok := renamed[n]; ok {
			log = append(log, domain.IDChanged{Old: old, New: n.id})
		}
		pc := domain.ParentChanged{Old: domain.NoNode, New: n.parent.id}
		if n == node {
			pc.Old = oldParent
		}
		log = append(log, pc)
		n.pending = append(log, n.dump()...)
		t.markDirty(n)
		return true
	})
}

// adopt moves a subtree created by another tree into t. Each node gets a
// fresh id and node references inside the subtree are rewritten. References
// held by the old tree become invalid. It returns the old id of every node.
func (t *Tree) adopt(node *Node) map[*Node]domain.NodeID {
	renamed := make(map[*Node]domain.NodeID)
	ids := make(map[domain.NodeID]domain.NodeID)
	walk(node, func(n *Node) bool {
		old := n.id
		n.id = t.allocID()
		n.tree = t
		n.pending = nil
		n.dirty = false
		n.announced = false
		renamed[n] = old
		ids[old] = n.id
		return true
	})
	walk(node, func(n *Node) bool {
		for _, f := range n.features {
			f.remap(ids)
		}
		return true
	})
	t.logger.Debug("subtree adopted", "node_id", node.id, "old_id", renamed[node], "nodes", len(renamed))
	return renamed
}
