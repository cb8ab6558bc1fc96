// Package dom is the in-memory visual tree driven by the renderer.
//
// Elements keep static attributes and live properties apart, the way a browser
// does, and render to HTML through golang.org/x/net/html.
package dom

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/aretw0/lattice/pkg/domain"
)

// Event is a native event delivered to element listeners.
type Event struct {
	Type   string
	Target *Element
	Data   map[string]domain.Value
}

// Listener handles a native event.
type Listener func(ev *Event)

type listenerEntry struct {
	key string
	fn  Listener
}

// Document owns the body element.
type Document struct {
	body *Element
}

// NewDocument returns a document with an empty body.
func NewDocument() *Document {
	return &Document{body: newElement("body")}
}

// Body returns the body element.
func (d *Document) Body() *Element {
	return d.body
}

// CreateElement returns a detached element.
func (d *Document) CreateElement(tag string) *Element {
	return newElement(tag)
}

// Element is a visual tree element.
type Element struct {
	tag       string
	attrs     map[string]string
	props     map[string]domain.Value
	text      string
	classes   []string
	style     map[string]string
	parent    *Element
	children  []*Element
	listeners map[string][]listenerEntry
}

func newElement(tag string) *Element {
	return &Element{
		tag:   strings.ToLower(tag),
		attrs: make(map[string]string),
		props: make(map[string]domain.Value),
		style: make(map[string]string),
	}
}

// Tag returns the lower-case tag name.
func (e *Element) Tag() string { return e.tag }

// Parent returns the parent element, or nil.
func (e *Element) Parent() *Element { return e.parent }

// SetAttribute sets a static attribute.
func (e *Element) SetAttribute(name, value string) { e.attrs[name] = value }

// RemoveAttribute removes a static attribute.
func (e *Element) RemoveAttribute(name string) { delete(e.attrs, name) }

// Attribute returns a static attribute.
func (e *Element) Attribute(name string) (string, bool) {
	v, ok := e.attrs[name]
	return v, ok
}

// Attributes returns a copy of the static attributes.
func (e *Element) Attributes() map[string]string { return maps.Clone(e.attrs) }

// SetProperty sets a live property.
func (e *Element) SetProperty(name string, v domain.Value) { e.props[name] = domain.CloneValue(v) }

// RemoveProperty removes a live property.
func (e *Element) RemoveProperty(name string) { delete(e.props, name) }

// Property returns a live property.
func (e *Element) Property(name string) (domain.Value, bool) {
	v, ok := e.props[name]
	return v, ok
}

// Properties returns a copy of the live properties.
func (e *Element) Properties() map[string]domain.Value { return maps.Clone(e.props) }

// SetText sets the text content rendered before the child elements.
func (e *Element) SetText(text string) { e.text = text }

// Text returns the text content of the element and its descendants.
func (e *Element) Text() string {
	var b strings.Builder
	b.WriteString(e.text)
	for _, c := range e.children {
		b.WriteString(c.Text())
	}
	return b.String()
}

// OwnText returns the text set directly on the element.
func (e *Element) OwnText() string { return e.text }

// SetClasses replaces the class list.
func (e *Element) SetClasses(classes []string) { e.classes = slices.Clone(classes) }

// AddClass adds class unless present.
func (e *Element) AddClass(class string) {
	if !slices.Contains(e.classes, class) {
		e.classes = append(e.classes, class)
	}
}

// RemoveClass removes class.
func (e *Element) RemoveClass(class string) {
	e.classes = slices.DeleteFunc(e.classes, func(c string) bool { return c == class })
}

// HasClass reports whether class is present.
func (e *Element) HasClass(class string) bool { return slices.Contains(e.classes, class) }

// Classes returns the class list.
func (e *Element) Classes() []string { return slices.Clone(e.classes) }

// SetStyle sets one style property.
func (e *Element) SetStyle(name, value string) { e.style[name] = value }

// RemoveStyle removes one style property.
func (e *Element) RemoveStyle(name string) { delete(e.style, name) }

// Style returns one style property.
func (e *Element) Style(name string) (string, bool) {
	v, ok := e.style[name]
	return v, ok
}

// Children returns the child elements.
func (e *Element) Children() []*Element { return slices.Clone(e.children) }

// InsertChild inserts child at index i, removing it from its previous parent.
func (e *Element) InsertChild(i int, child *Element) error {
	if child.parent != nil {
		child.parent.RemoveChild(child)
	}
	if i < 0 || i > len(e.children) {
		return &domain.IndexError{Op: "insertChild", Index: i, Size: len(e.children)}
	}
	e.children = slices.Insert(e.children, i, child)
	child.parent = e
	return nil
}

// AppendChild adds child as the last child.
func (e *Element) AppendChild(child *Element) {
	if child.parent != nil {
		child.parent.RemoveChild(child)
	}
	e.children = append(e.children, child)
	child.parent = e
}

// RemoveChild removes child if it is a child of e.
func (e *Element) RemoveChild(child *Element) {
	i := slices.Index(e.children, child)
	if i < 0 {
		return
	}
	e.children = slices.Delete(e.children, i, i+1)
	child.parent = nil
}

// SetChildren replaces the children with the given elements, in order.
func (e *Element) SetChildren(children []*Element) {
	for _, c := range e.children {
		c.parent = nil
	}
	e.children = e.children[:0]
	for _, c := range children {
		if c.parent != nil {
			c.parent.RemoveChild(c)
		}
		c.parent = e
		e.children = append(e.children, c)
	}
}

// Reset empties the element but keeps its tag and position.
func (e *Element) Reset() {
	clear(e.attrs)
	clear(e.props)
	clear(e.style)
	e.text = ""
	e.classes = nil
	e.SetChildren(nil)
	e.listeners = nil
}

// AddEventListener registers fn for event under key. A listener with the
// same event and key is replaced.
func (e *Element) AddEventListener(event, key string, fn Listener) {
	if e.listeners == nil {
		e.listeners = make(map[string][]listenerEntry)
	}
	entries := e.listeners[event]
	for i := range entries {
		if entries[i].key == key {
			entries[i].fn = fn
			return
		}
	}
	e.listeners[event] = append(entries, listenerEntry{key: key, fn: fn})
}

// RemoveEventListener drops the listener registered for event under key.
func (e *Element) RemoveEventListener(event, key string) {
	if e.listeners == nil {
		return
	}
	e.listeners[event] = slices.DeleteFunc(e.listeners[event], func(l listenerEntry) bool {
		return l.key == key
	})
	if len(e.listeners[event]) == 0 {
		delete(e.listeners, event)
	}
}

// HasListener reports whether any listener is registered for event.
func (e *Element) HasListener(event string) bool {
	return len(e.listeners[event]) > 0
}

// Dispatch delivers a native event to the listeners of e in registration order.
func (e *Element) Dispatch(event string, data map[string]domain.Value) {
	ev := &Event{Type: event, Target: e, Data: data}
	for _, l := range slices.Clone(e.listeners[event]) {
		l.fn(ev)
	}
}

// Node converts the element subtree to an html.Node tree.
func (e *Element) Node() *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     e.tag,
		DataAtom: atom.Lookup([]byte(e.tag)),
	}
	for _, k := range slices.Sorted(maps.Keys(e.attrs)) {
		n.Attr = append(n.Attr, html.Attribute{Key: k, Val: e.attrs[k]})
	}
	if len(e.classes) > 0 {
		n.Attr = append(n.Attr, html.Attribute{Key: "class", Val: strings.Join(e.classes, " ")})
	}
	if len(e.style) > 0 {
		var parts []string
		for _, k := range slices.Sorted(maps.Keys(e.style)) {
			parts = append(parts, fmt.Sprintf("%s: %s", k, e.style[k]))
		}
		n.Attr = append(n.Attr, html.Attribute{Key: "style", Val: strings.Join(parts, "; ")})
	}
	if e.text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: e.text})
	}
	for _, c := range e.children {
		n.AppendChild(c.Node())
	}
	return n
}

// Render writes the element as HTML.
func (e *Element) Render(w io.Writer) error {
	return html.Render(w, e.Node())
}

// OuterHTML returns the element as an HTML string.
func (e *Element) OuterHTML() (string, error) {
	var b strings.Builder
	if err := e.Render(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}
