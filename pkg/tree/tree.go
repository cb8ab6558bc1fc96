package tree

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
)

// Tree is a State Tree: an id allocator, a root node and the set of nodes
// with pending changes. A tree has a single logical writer; every mutation
// happens inside Write.
type Tree struct {
	mu      sync.Mutex
	writing atomic.Bool

	nextID domain.NodeID
	root   *Node

	arenaMu sync.RWMutex
	nodes   map[domain.NodeID]*Node

	// dirty holds nodes in the order they first became dirty in this cycle.
	dirty []*Node

	observers []domain.Handler

	handlersMu sync.RWMutex
	handlers   map[string]EventFunc

	logger *slog.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tree) {
		t.logger = logger
	}
}

// WithObserver registers an in-process consumer of every flushed change.
func WithObserver(h domain.Handler) Option {
	return func(t *Tree) {
		t.observers = append(t.observers, h)
	}
}

// New creates a tree holding only its root.
func New(opts ...Option) *Tree {
	t := &Tree{
		nextID:   domain.RootID + 1,
		nodes:    make(map[domain.NodeID]*Node),
		handlers: make(map[string]EventFunc),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.root = &Node{id: domain.RootID, tree: t, attached: true}
	t.nodes[domain.RootID] = t.root
	return t
}

// Write runs fn inside the write context. It is not reentrant.
func (t *Tree) Write(fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writing.Store(true)
	defer t.writing.Store(false)
	return fn()
}

// Writing reports whether a write context is open.
func (t *Tree) Writing() bool {
	return t.writing.Load()
}

func (t *Tree) mustWrite(op string) {
	if !t.writing.Load() {
		panic(fmt.Errorf("%s: %w", op, domain.ErrNoWriteContext))
	}
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	return t.root
}

// Node returns the attached node with the given id.
func (t *Tree) Node(id domain.NodeID) (*Node, bool) {
	t.arenaMu.RLock()
	defer t.arenaMu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// Len returns the number of attached nodes, root included.
func (t *Tree) Len() int {
	t.arenaMu.RLock()
	defer t.arenaMu.RUnlock()
	return len(t.nodes)
}

// Walk visits the attached nodes in pre-order until fn returns false.
// It must not race with a writer; call it inside Write.
func (t *Tree) Walk(fn func(*Node) bool) {
	walk(t.root, fn)
}

func walk(n *Node, fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, c := range n.children {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

// CreateNode returns a new detached node with a fresh id.
func (t *Tree) CreateNode() *Node {
	t.mustWrite("create node")
	return &Node{id: t.allocID(), tree: t}
}

// CreateElement returns a new detached node with its tag set.
func (t *Tree) CreateElement(tag string) *Node {
	n := t.CreateNode()
	// A string is always a valid value.
	_ = n.SetTag(tag)
	return n
}

func (t *Tree) allocID() domain.NodeID {
	id := t.nextID
	t.nextID++
	return id
}

func (t *Tree) markDirty(n *Node) {
	if n.dirty {
		return
	}
	n.dirty = true
	t.dirty = append(t.dirty, n)
}

// Pending reports whether any node has unflushed changes.
func (t *Tree) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.dirty {
		if n.tree == t && len(n.pending) > 0 {
			return true
		}
	}
	return false
}

// Flush returns the pending changes and clears every pending log.
// Nodes come in first-dirty order and records in emission order. A detached
// node only contributes the ParentChanged of its detach; everything else it
// recorded before is dropped.
func (t *Tree) Flush() []domain.Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []domain.Change
	for _, n := range t.dirty {
		if n.tree != t {
			// Adopted by another tree since it became dirty here.
			continue
		}
		for _, r := range n.pending {
			out = append(out, domain.Change{Node: n.id, Record: r})
		}
		n.announced = n.attached
		n.pending = nil
		n.dirty = false
	}
	t.dirty = t.dirty[:0]

	t.notify(out)
	return out
}

func (t *Tree) notify(changes []domain.Change) {
	for _, obs := range t.observers {
		for _, c := range changes {
			if err := c.Accept(obs); err != nil {
				t.logger.Warn("observer rejected change", "node_id", c.Node, "type", domain.TypeOf(c.Record), "err", err)
			}
		}
	}
}

// Snapshot returns the full state of the reachable tree in pre-order.
// Every node but the root starts with a ParentChanged naming its parent.
// Pending logs are left untouched.
func (t *Tree) Snapshot() []domain.Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// Resync clears every pending log and returns a Snapshot. The snapshot
// already contains the effect of the discarded records.
func (t *Tree) Resync() []domain.Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.dirty {
		if n.tree == t {
			n.pending = nil
			n.dirty = false
		}
	}
	t.dirty = t.dirty[:0]
	walk(t.root, func(n *Node) bool {
		n.announced = true
		return true
	})
	return t.snapshot()
}

func (t *Tree) snapshot() []domain.Change {
	var out []domain.Change
	walk(t.root, func(n *Node) bool {
		if n.parent != nil {
			out = append(out, domain.Change{Node: n.id, Record: domain.ParentChanged{Old: domain.NoNode, New: n.parent.id}})
		}
		for _, r := range n.dump() {
			out = append(out, domain.Change{Node: n.id, Record: r})
		}
		return true
	})
	return out
}

// HandleFunc registers a server handler reachable from template expressions.
func (t *Tree) HandleFunc(name string, fn EventFunc) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	if fn == nil {
		delete(t.handlers, name)
		return
	}
	t.handlers[name] = fn
}

func (t *Tree) handler(name string) (EventFunc, bool) {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	fn, ok := t.handlers[name]
	return fn, ok
}

// Handlers returns the names of the registered server handlers.
func (t *Tree) Handlers() []string {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
