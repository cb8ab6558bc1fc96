package template

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/aretw0/lattice/pkg/domain"
)

// Compiled is a descriptor with its event expressions compiled to closures.
// It is immutable and safe for concurrent use.
type Compiled struct {
	desc       Descriptor
	propTarget map[string]bool
	events     map[string][]expression
}

// Compile validates d and compiles its event expressions once.
func Compile(d Descriptor) (*Compiled, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	model := make(map[string]bool, len(d.Model))
	for _, k := range d.Model {
		model[k] = true
	}

	c := &Compiled{
		desc:       d.Clone(),
		propTarget: d.propertyTargets(),
		events:     make(map[string][]expression, len(d.Events)),
	}
	var errs []error
	for _, event := range slices.Sorted(maps.Keys(d.Events)) {
		for _, src := range d.Events[event] {
			expr, err := compileExpression(src, model)
			if err != nil {
				errs = append(errs, fmt.Errorf("event %q: %w", event, err))
				continue
			}
			c.events[event] = append(c.events[event], expr)
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("template %d: %w", d.ID, errors.Join(errs...))
	}
	return c, nil
}

// ID returns the template id.
func (c *Compiled) ID() int {
	return c.desc.ID
}

// Descriptor returns a copy of the source descriptor.
func (c *Compiled) Descriptor() Descriptor {
	return c.desc.Clone()
}

// Events returns the bound event names in sorted order.
func (c *Compiled) Events() []string {
	return slices.Sorted(maps.Keys(c.events))
}

// EventKeys returns the event data keys read by the expressions of event.
func (c *Compiled) EventKeys(event string) []string {
	var keys []string
	for _, e := range c.events[event] {
		for _, k := range e.eventKeys {
			if !slices.Contains(keys, k) {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// IsPropertyTarget reports whether name is the target of a property binding.
func (c *Compiled) IsPropertyTarget(name string) bool {
	return c.propTarget[name]
}

// Resolved is the deterministic rendering of a template for one model.
type Resolved struct {
	Tag        string
	Attributes map[string]string
	Properties map[string]domain.Value
	Text       string
	HasText    bool
	Classes    []string
}

// Resolve renders the template for model. Bound keys become live properties.
// A default attribute whose name is a property target seeds that property and
// is never rendered as a static attribute.
func (c *Compiled) Resolve(model map[string]domain.Value) Resolved {
	r := Resolved{
		Tag:        c.desc.Tag,
		Attributes: make(map[string]string),
		Properties: make(map[string]domain.Value),
	}
	for name, v := range c.desc.Attributes {
		if c.propTarget[name] {
			r.Properties[name] = v
			continue
		}
		r.Attributes[name] = v
	}

	for _, b := range c.desc.Bindings {
		v, ok := model[b.Key]
		switch b.Kind {
		case BindProperty:
			if ok {
				r.Properties[b.Target] = v
			}
		case BindAttribute:
			if !ok {
				continue
			}
			switch tv := v.(type) {
			case nil:
				delete(r.Attributes, b.Target)
			case bool:
				if tv {
					r.Attributes[b.Target] = ""
				} else {
					delete(r.Attributes, b.Target)
				}
			default:
				r.Attributes[b.Target] = domain.FormatValue(v)
			}
		case BindText:
			if ok {
				r.Text, r.HasText = domain.FormatValue(v), true
			}
		}
	}

	r.Classes = slices.Clone(c.desc.Classes)
	for _, cb := range c.desc.ClassBindings {
		if domain.Truthy(model[cb.Key]) && !slices.Contains(r.Classes, cb.Class) {
			r.Classes = append(r.Classes, cb.Class)
		}
	}
	return r
}

// Fire runs the compiled expressions bound to event, in declaration order.
func (c *Compiled) Fire(event string, scope Scope) []Effect {
	exprs := c.events[event]
	if len(exprs) == 0 {
		return nil
	}
	out := make([]Effect, len(exprs))
	for i, e := range exprs {
		out[i] = e.run(scope)
	}
	return out
}
