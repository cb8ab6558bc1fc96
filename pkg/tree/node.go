package tree

import (
	"fmt"
	"slices"

	"github.com/aretw0/lattice/pkg/domain"
)

// Node is a State Node: an id, a parent link and a sparse set of features.
// A Node is only mutated inside the Write context of the tree that owns it.
type Node struct {
	id       domain.NodeID
	tree     *Tree
	parent   *Node
	children []*Node
	attached bool
	// announced is set once the node has been flushed or resynced while
	// attached, so renderers hold a mirror of it.
	announced bool

	features map[domain.FeatureID]feature
	pending  []domain.Record
	dirty    bool

	listeners map[string]EventFunc
}

// ID returns the node id in its current tree.
func (n *Node) ID() domain.NodeID {
	return n.id
}

// Tree returns the owning tree.
func (n *Node) Tree() *Tree {
	return n.tree
}

// Parent returns the parent node, or nil for the root and detached subtree roots.
func (n *Node) Parent() *Node {
	return n.parent
}

// Children returns the child nodes in order.
func (n *Node) Children() []*Node {
	return slices.Clone(n.children)
}

// IsAttached reports whether the node is reachable from the root.
func (n *Node) IsAttached() bool {
	return n.attached
}

// HasFeature reports whether the feature has been created on this node.
func (n *Node) HasFeature(fid domain.FeatureID) bool {
	_, ok := n.features[fid]
	return ok
}

// Scalar returns the scalar feature fid, creating it on first use.
// It panics if fid is not a scalar feature.
func (n *Node) Scalar(fid domain.FeatureID) *ScalarFeature {
	f, ok := n.feature(fid, domain.ShapeScalar).(*ScalarFeature)
	if !ok {
		panic(fmt.Sprintf("tree: feature %s is not a scalar", fid))
	}
	return f
}

// Map returns the map feature fid, creating it on first use.
// It panics if fid is not a map feature.
func (n *Node) Map(fid domain.FeatureID) *MapFeature {
	f, ok := n.feature(fid, domain.ShapeMap).(*MapFeature)
	if !ok {
		panic(fmt.Sprintf("tree: feature %s is not a map", fid))
	}
	return f
}

// List returns the list feature fid, creating it on first use.
// It panics if fid is not a list feature. The children list is maintained
// by Attach and Detach and must not be edited directly.
func (n *Node) List(fid domain.FeatureID) *ListFeature {
	f, ok := n.feature(fid, domain.ShapeList).(*ListFeature)
	if !ok {
		panic(fmt.Sprintf("tree: feature %s is not a list", fid))
	}
	return f
}

func (n *Node) feature(fid domain.FeatureID, want domain.Shape) feature {
	if f, ok := n.features[fid]; ok {
		return f
	}
	if !fid.Valid() || fid.Shape() != want {
		return nil
	}
	base := featureBase{node: n, id: fid}
	var f feature
	switch want {
	case domain.ShapeScalar:
		f = &ScalarFeature{featureBase: base}
	case domain.ShapeMap:
		f = &MapFeature{featureBase: base}
	case domain.ShapeList:
		f = &ListFeature{featureBase: base}
	}
	if n.features == nil {
		n.features = make(map[domain.FeatureID]feature)
	}
	n.features[fid] = f
	return f
}

func (n *Node) mustWrite(op string) {
	n.tree.mustWrite(op)
}

// record appends r to the pending log. Detached nodes keep no log because
// attaching them replaces it with a full dump anyway.
func (n *Node) record(r domain.Record) {
	if !n.attached {
		return
	}
	n.pending = append(n.pending, r)
	n.tree.markDirty(n)
}

// dump returns the full state of the node, feature by feature in id order.
func (n *Node) dump() []domain.Record {
	var out []domain.Record
	for _, fid := range domain.Features() {
		if f, ok := n.features[fid]; ok {
			out = append(out, f.dump()...)
		}
	}
	return out
}

// SetTag sets the element tag.
func (n *Node) SetTag(tag string) error {
	_, _, err := n.Scalar(domain.FeatureTag).Set(tag)
	return err
}

// Tag returns the element tag, or "" when unset.
func (n *Node) Tag() string {
	v, _ := n.Scalar(domain.FeatureTag).Get()
	s, _ := v.(string)
	return s
}

// SetProperty sets a live property.
func (n *Node) SetProperty(key string, v domain.Value) error {
	_, _, err := n.Map(domain.FeatureProperties).Put(key, v)
	return err
}

// Property returns a live property.
func (n *Node) Property(key string) (domain.Value, bool) {
	return n.Map(domain.FeatureProperties).Get(key)
}

// RemoveProperty removes a live property.
func (n *Node) RemoveProperty(key string) {
	n.Map(domain.FeatureProperties).Remove(key)
}

// SetText sets the text content of the element.
func (n *Node) SetText(text string) error {
	return n.SetProperty(domain.PropertyText, text)
}

// Text returns the text content of the element.
func (n *Node) Text() string {
	v, _ := n.Property(domain.PropertyText)
	return domain.FormatValue(v)
}

// SetAttribute sets a static attribute.
func (n *Node) SetAttribute(name, value string) error {
	_, _, err := n.Map(domain.FeatureAttributes).Put(name, value)
	return err
}

// Attribute returns a static attribute.
func (n *Node) Attribute(name string) (string, bool) {
	v, ok := n.Map(domain.FeatureAttributes).Get(name)
	s, _ := v.(string)
	return s, ok
}

// RemoveAttribute removes a static attribute.
func (n *Node) RemoveAttribute(name string) {
	n.Map(domain.FeatureAttributes).Remove(name)
}

// AddClass adds class unless present.
func (n *Node) AddClass(class string) error {
	l := n.List(domain.FeatureClassList)
	if l.IndexOf(class) >= 0 {
		return nil
	}
	return l.Add(class)
}

// RemoveClass removes class if present.
func (n *Node) RemoveClass(class string) error {
	l := n.List(domain.FeatureClassList)
	i := l.IndexOf(class)
	if i < 0 {
		return nil
	}
	_, err := l.RemoveAt(i)
	return err
}

// HasClass reports whether class is present.
func (n *Node) HasClass(class string) bool {
	return n.List(domain.FeatureClassList).IndexOf(class) >= 0
}

// SetStyle sets one style property.
func (n *Node) SetStyle(name, value string) error {
	_, _, err := n.Map(domain.FeatureStyle).Put(name, value)
	return err
}

// RemoveStyle removes one style property.
func (n *Node) RemoveStyle(name string) {
	n.Map(domain.FeatureStyle).Remove(name)
}

// AppendChild attaches child as the last child of n.
func (n *Node) AppendChild(child *Node) error {
	return n.tree.Attach(child, n)
}

// InsertChild attaches child at index i of n.
func (n *Node) InsertChild(i int, child *Node) error {
	return n.tree.AttachAt(child, n, i)
}

// RemoveChild detaches child from n.
func (n *Node) RemoveChild(child *Node) error {
	if child == nil || child.parent != n {
		return fmt.Errorf("remove child of node %d: %w", n.id, domain.ErrNodeNotFound)
	}
	return n.tree.Detach(child)
}

// AddEventListener registers interest in a renderer event. The listener entry
// lists the event data keys the renderer must send back. fn may be nil when
// only the event needs forwarding.
func (n *Node) AddEventListener(event string, dataKeys []string, fn EventFunc) error {
	keys := slices.Clone(dataKeys)
	if keys == nil {
		keys = []string{}
	}
	if _, _, err := n.Map(domain.FeatureListeners).Put(event, keys); err != nil {
		return err
	}
	if fn != nil {
		if n.listeners == nil {
			n.listeners = make(map[string]EventFunc)
		}
		n.listeners[event] = fn
	} else {
		delete(n.listeners, event)
	}
	return nil
}

// RemoveEventListener drops the listener for event.
func (n *Node) RemoveEventListener(event string) {
	n.Map(domain.FeatureListeners).Remove(event)
	delete(n.listeners, event)
}

// BindTemplate binds the node to a template. Binding the same id again is a
// no-op; binding a different id fails with ErrTemplateRebind.
func (n *Node) BindTemplate(id int) error {
	s := n.Scalar(domain.FeatureTemplate)
	if cur, ok := s.Get(); ok {
		if domain.EqualValues(cur, id) {
			return nil
		}
		return fmt.Errorf("bind template %d to node %d (bound to %v): %w", id, n.id, cur, domain.ErrTemplateRebind)
	}
	_, _, err := s.Set(id)
	return err
}

// Template returns the bound template id.
func (n *Node) Template() (int, bool) {
	v, ok := n.Scalar(domain.FeatureTemplate).Get()
	if !ok {
		return 0, false
	}
	f, _ := domain.ToFloat(v)
	return int(f), true
}

// SetModel sets a template model value.
func (n *Node) SetModel(key string, v domain.Value) error {
	_, _, err := n.Map(domain.FeatureModel).Put(key, v)
	return err
}

// Model returns a copy of the template model values.
func (n *Node) Model() map[string]domain.Value {
	m := n.Map(domain.FeatureModel)
	out := make(map[string]domain.Value, m.Len())
	for _, k := range m.Keys() {
		out[k], _ = m.Get(k)
	}
	return out
}
