package renderer

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/renderer/dom"
	"github.com/aretw0/lattice/pkg/template"
)

const (
	listenerKey = "listener"
	templateKey = "template"
)

// Mirror is the renderer-side copy of one authority node. It caches the last
// applied value of every feature and drives one visual element.
type Mirror struct {
	id       domain.NodeID
	applier  *Applier
	parent   *Mirror
	children []*Mirror
	element  *dom.Element

	values map[domain.FeatureID]map[string]domain.Value
	lists  map[domain.FeatureID][]domain.Value
	ranges map[domain.FeatureID][2]int

	tmpl      *template.Compiled
	tmplAttrs []string
	tmplProps []string
}

func newMirror(a *Applier, id domain.NodeID) *Mirror {
	m := &Mirror{id: id, applier: a}
	m.clear()
	return m
}

func (m *Mirror) clear() {
	m.values = make(map[domain.FeatureID]map[string]domain.Value)
	m.lists = make(map[domain.FeatureID][]domain.Value)
	m.ranges = make(map[domain.FeatureID][2]int)
	m.tmpl = nil
	m.tmplAttrs = nil
	m.tmplProps = nil
}

// ID returns the authority node id.
func (m *Mirror) ID() domain.NodeID { return m.id }

// Element returns the visual element, or nil while the node has no tag.
func (m *Mirror) Element() *dom.Element { return m.element }

// Parent returns the parent mirror.
func (m *Mirror) Parent() *Mirror { return m.parent }

// Children returns the child mirrors in order.
func (m *Mirror) Children() []*Mirror { return slices.Clone(m.children) }

// Value returns the last applied value of a scalar or map feature key.
func (m *Mirror) Value(fid domain.FeatureID, key string) (domain.Value, bool) {
	v, ok := m.values[fid][key]
	return v, ok
}

// List returns the last applied contents of a list feature.
func (m *Mirror) List(fid domain.FeatureID) []domain.Value {
	return slices.Clone(m.lists[fid])
}

// Range returns the materialized window of a list feature.
func (m *Mirror) Range(fid domain.FeatureID) (start, end int, ok bool) {
	r, ok := m.ranges[fid]
	return r[0], r[1], ok
}

// Template returns the compiled template bound to the node.
func (m *Mirror) Template() *template.Compiled { return m.tmpl }

// Model returns the template model values.
func (m *Mirror) Model() map[string]domain.Value {
	return maps.Clone(m.values[domain.FeatureModel])
}

// reset discards every feature before a full-state replay of the node.
// Children become orphan candidates until re-referenced.
func (m *Mirror) reset() {
	for _, c := range m.children {
		if c.parent == m {
			c.parent = nil
			m.applier.orphan(c)
		}
	}
	m.children = nil
	m.clear()
	if m.element != nil {
		m.element.Reset()
	}
}

func (m *Mirror) put(fid domain.FeatureID, key string, v domain.Value) error {
	if fid.Shape() != domain.ShapeScalar && fid.Shape() != domain.ShapeMap {
		return fmt.Errorf("put on %s feature %s", fid.Shape(), fid)
	}
	if m.values[fid] == nil {
		m.values[fid] = make(map[string]domain.Value)
	}
	m.values[fid][key] = v
	m.introduce(v)

	switch fid {
	case domain.FeatureTag:
		tag, _ := v.(string)
		m.ensureElement(tag)
	case domain.FeatureProperties:
		m.applyProperty(key, v)
	case domain.FeatureAttributes:
		if m.element != nil {
			m.element.SetAttribute(key, domain.FormatValue(v))
		}
	case domain.FeatureStyle:
		if m.element != nil {
			m.element.SetStyle(key, domain.FormatValue(v))
		}
	case domain.FeatureListeners:
		m.listen(key, v)
	case domain.FeatureTemplate:
		return m.bindTemplate(v)
	case domain.FeatureModel:
		m.applyTemplate()
	}
	return nil
}

func (m *Mirror) remove(fid domain.FeatureID, key string) {
	delete(m.values[fid], key)
	switch fid {
	case domain.FeatureTemplate:
		m.unbindTemplate()
		return
	case domain.FeatureTag:
		m.dropTag()
		return
	}
	if m.element == nil {
		return
	}
	switch fid {
	case domain.FeatureProperties:
		if key == domain.PropertyText {
			m.element.SetText("")
		} else {
			m.element.RemoveProperty(key)
		}
		// A template may still provide the value.
		m.applyTemplate()
	case domain.FeatureAttributes:
		m.element.RemoveAttribute(key)
	case domain.FeatureStyle:
		m.element.RemoveStyle(key)
	case domain.FeatureListeners:
		m.element.RemoveEventListener(key, listenerKey)
	case domain.FeatureModel:
		m.applyTemplate()
	}
}

func (m *Mirror) insert(fid domain.FeatureID, i int, vs ...domain.Value) error {
	l := m.lists[fid]
	if i < 0 || i > len(l) {
		return &domain.IndexError{Op: "apply insert", Index: i, Size: len(l)}
	}
	if fid == domain.FeatureChildren {
		kids := make([]*Mirror, len(vs))
		for j, v := range vs {
			ref, ok := v.(domain.NodeRef)
			if !ok {
				return fmt.Errorf("children entry %d is %T, not a node reference", j, v)
			}
			kids[j] = m.applier.mirror(ref.ID, true)
			if kids[j] == m.applier.root || kids[j] == m {
				return fmt.Errorf("node %d cannot be a child of %d", ref.ID, m.id)
			}
		}
		// Placed children get their parent when the batch settles.
		for _, c := range kids {
			if !m.applier.isPlaced(c) {
				c.parent = m
			}
		}
		m.children = slices.Insert(m.children, i, kids...)
	}
	for _, v := range vs {
		m.introduce(v)
	}
	m.lists[fid] = slices.Insert(l, i, vs...)
	m.listChanged(fid)
	return nil
}

func (m *Mirror) removeAt(fid domain.FeatureID, i int) error {
	l := m.lists[fid]
	if i < 0 || i >= len(l) {
		return &domain.IndexError{Op: "apply remove", Index: i, Size: len(l)}
	}
	if fid == domain.FeatureChildren {
		c := m.children[i]
		m.children = slices.Delete(m.children, i, i+1)
		if c.parent == m && !slices.Contains(m.children, c) && !m.applier.isPlaced(c) {
			c.parent = nil
			m.applier.orphan(c)
		}
	}
	m.lists[fid] = slices.Delete(l, i, i+1)
	m.listChanged(fid)
	return nil
}

func (m *Mirror) replaceAt(fid domain.FeatureID, i int, v domain.Value) error {
	if err := m.removeAt(fid, i); err != nil {
		return err
	}
	return m.insert(fid, i, v)
}

func (m *Mirror) listChanged(fid domain.FeatureID) {
	switch fid {
	case domain.FeatureChildren:
		m.syncChildren()
	case domain.FeatureClassList:
		m.applyClasses()
	}
}

// introduce creates mirrors for node references carried by a value.
func (m *Mirror) introduce(v domain.Value) {
	if ref, ok := v.(domain.NodeRef); ok {
		m.applier.mirror(ref.ID, true)
	}
}

// syncChildren rebuilds the element children from the mirror children.
func (m *Mirror) syncChildren() {
	if m.element == nil {
		return
	}
	els := make([]*dom.Element, 0, len(m.children))
	for _, c := range m.children {
		if c.parent == m && c.element != nil {
			els = append(els, c.element)
		}
	}
	m.element.SetChildren(els)
}

// ensureElement creates the element for tag, or replaces it when the tag changed.
func (m *Mirror) ensureElement(tag string) {
	if tag == "" || m == m.applier.root {
		return
	}
	if m.element != nil && m.element.Tag() == strings.ToLower(tag) {
		return
	}
	m.element = m.applier.doc.CreateElement(tag)
	m.paint()
	m.syncChildren()
	if m.parent != nil {
		m.parent.syncChildren()
	}
}

// paint replays the cached features onto a fresh element.
func (m *Mirror) paint() {
	for _, k := range slices.Sorted(maps.Keys(m.values[domain.FeatureAttributes])) {
		m.element.SetAttribute(k, domain.FormatValue(m.values[domain.FeatureAttributes][k]))
	}
	for _, k := range slices.Sorted(maps.Keys(m.values[domain.FeatureStyle])) {
		m.element.SetStyle(k, domain.FormatValue(m.values[domain.FeatureStyle][k]))
	}
	for k, v := range m.values[domain.FeatureListeners] {
		m.listen(k, v)
	}
	m.tmplAttrs, m.tmplProps = nil, nil
	m.applyTemplate()
	for k, v := range m.values[domain.FeatureProperties] {
		m.applyProperty(k, v)
	}
	m.applyClasses()
}

func (m *Mirror) applyProperty(key string, v domain.Value) {
	if m.element == nil {
		return
	}
	if key == domain.PropertyText {
		m.element.SetText(domain.FormatValue(v))
		return
	}
	m.element.SetProperty(key, v)
}

func (m *Mirror) applyClasses() {
	if m.element == nil {
		return
	}
	var classes []string
	if m.tmpl != nil {
		classes = m.tmpl.Resolve(m.values[domain.FeatureModel]).Classes
	}
	for _, v := range m.lists[domain.FeatureClassList] {
		if c, ok := v.(string); ok && !slices.Contains(classes, c) {
			classes = append(classes, c)
		}
	}
	m.element.SetClasses(classes)
}

// listen registers the native listener that forwards event to the authority
// with the requested data keys.
func (m *Mirror) listen(event string, keys domain.Value) {
	if m.element == nil {
		return
	}
	wanted, _ := keys.([]string)
	wanted = slices.Clone(wanted)
	id := m.id
	ch := m.applier.channel
	m.element.AddEventListener(event, listenerKey, func(ev *dom.Event) {
		data := make(map[string]domain.Value, len(wanted))
		for _, k := range wanted {
			if v, ok := ev.Data[k]; ok {
				data[k] = v
			}
		}
		ch.Enqueue(domain.NewEventInvocation(id, event, data))
	})
}

func (m *Mirror) bindTemplate(v domain.Value) error {
	f, ok := domain.ToFloat(v)
	if !ok {
		return fmt.Errorf("template id %v: %w", v, domain.ErrInvalidValue)
	}
	c, err := m.applier.templates.Get(int(f))
	if err != nil {
		return err
	}
	m.tmpl = c
	if m.element == nil {
		tag, _ := m.values[domain.FeatureTag][domain.FeatureTag.ScalarKey()].(string)
		if tag == "" {
			tag = c.Descriptor().Tag
		}
		m.ensureElement(tag)
		return nil
	}
	m.applyTemplate()
	m.applyClasses()
	return nil
}

// unbindTemplate undoes everything the bound template put on the element.
// Values the node sets itself stay.
func (m *Mirror) unbindTemplate() {
	c := m.tmpl
	if c == nil {
		return
	}
	m.tmpl = nil
	if m.element != nil {
		props := m.values[domain.FeatureProperties]
		attrs := m.values[domain.FeatureAttributes]
		for _, k := range m.tmplAttrs {
			if _, own := attrs[k]; !own {
				m.element.RemoveAttribute(k)
			}
		}
		for _, k := range m.tmplProps {
			if _, own := props[k]; !own {
				m.element.RemoveProperty(k)
			}
		}
		if _, own := props[domain.PropertyText]; !own && c.Resolve(m.values[domain.FeatureModel]).HasText {
			m.element.SetText("")
		}
		for _, event := range c.Events() {
			m.element.RemoveEventListener(event, templateKey)
		}
		m.applyClasses()
	}
	m.tmplAttrs, m.tmplProps = nil, nil
	if _, ok := m.values[domain.FeatureTag][domain.FeatureTag.ScalarKey()]; !ok {
		// The element only existed for the template tag.
		m.dropTag()
	}
}

// dropTag falls back to the template tag, or removes the element from the
// visual tree when there is none. Cached features are replayed once a tag
// comes back.
func (m *Mirror) dropTag() {
	if m.tmpl != nil && m.tmpl.Descriptor().Tag != "" {
		m.ensureElement(m.tmpl.Descriptor().Tag)
		return
	}
	if m.element == nil || m == m.applier.root {
		return
	}
	if p := m.element.Parent(); p != nil {
		p.RemoveChild(m.element)
	}
	m.element = nil
}

// applyTemplate renders the bound template for the current model. Explicit
// properties and attributes of the node take precedence.
func (m *Mirror) applyTemplate() {
	if m.tmpl == nil || m.element == nil {
		return
	}
	r := m.tmpl.Resolve(m.values[domain.FeatureModel])
	props := m.values[domain.FeatureProperties]
	attrs := m.values[domain.FeatureAttributes]

	for _, k := range m.tmplAttrs {
		if _, ok := r.Attributes[k]; !ok {
			if _, own := attrs[k]; !own {
				m.element.RemoveAttribute(k)
			}
		}
	}
	m.tmplAttrs = m.tmplAttrs[:0]
	for _, k := range slices.Sorted(maps.Keys(r.Attributes)) {
		if _, own := attrs[k]; own {
			continue
		}
		m.element.SetAttribute(k, r.Attributes[k])
		m.tmplAttrs = append(m.tmplAttrs, k)
	}

	for _, k := range m.tmplProps {
		if _, ok := r.Properties[k]; !ok {
			if _, own := props[k]; !own {
				m.element.RemoveProperty(k)
			}
		}
	}
	m.tmplProps = m.tmplProps[:0]
	for _, k := range slices.Sorted(maps.Keys(r.Properties)) {
		if _, own := props[k]; own {
			continue
		}
		m.element.SetProperty(k, r.Properties[k])
		m.tmplProps = append(m.tmplProps, k)
	}

	if _, own := props[domain.PropertyText]; !own && r.HasText {
		m.element.SetText(r.Text)
	}
	m.applyClasses()

	id, c, ch := m.id, m.tmpl, m.applier.channel
	for _, event := range c.Events() {
		m.element.AddEventListener(event, templateKey, func(ev *dom.Event) {
			effects := c.Fire(event, template.Scope{Model: m.Model(), Event: ev.Data})
			for _, e := range effects {
				switch e.Kind {
				case template.EffectSetField:
					if e.Field == domain.PropertyText {
						ev.Target.SetText(domain.FormatValue(e.Value))
					} else {
						ev.Target.SetProperty(e.Field, e.Value)
					}
				case template.EffectInvoke:
					ch.Enqueue(domain.NewHandlerInvocation(id, event, e.Handler, e.Args...))
				}
			}
		})
	}
}

// destroy drops the mirror and every descendant still linked to it.
func (m *Mirror) destroy() {
	delete(m.applier.mirrors, m.id)
	if m.element != nil && m.element.Parent() != nil {
		m.element.Parent().RemoveChild(m.element)
	}
	for _, c := range m.children {
		if c.parent == m {
			c.parent = nil
			c.destroy()
		}
	}
	m.children = nil
}
