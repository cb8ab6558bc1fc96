package template

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// BindingKind says where a bound model value is rendered.
type BindingKind string

const (
	// BindProperty renders the value as a live element property.
	BindProperty BindingKind = "property"
	// BindAttribute renders the value as a static attribute.
	BindAttribute BindingKind = "attribute"
	// BindText renders the value as the element text.
	BindText BindingKind = "text"
)

// Binding maps a model key to a rendered target.
type Binding struct {
	Key    string      `json:"key" yaml:"key" mapstructure:"key"`
	Target string      `json:"target,omitempty" yaml:"target,omitempty" mapstructure:"target"`
	Kind   BindingKind `json:"kind" yaml:"kind" mapstructure:"kind"`
}

// ClassBinding adds Class while the model value under Key is truthy.
type ClassBinding struct {
	Key   string `json:"key" yaml:"key" mapstructure:"key"`
	Class string `json:"class" yaml:"class" mapstructure:"class"`
}

// Descriptor is an immutable, reusable binding description. Authority and
// renderer share descriptors by id.
type Descriptor struct {
	ID            int                 `json:"id" yaml:"id" mapstructure:"id"`
	Tag           string              `json:"tag" yaml:"tag" mapstructure:"tag"`
	Attributes    map[string]string   `json:"attributes,omitempty" yaml:"attributes,omitempty" mapstructure:"attributes"`
	Bindings      []Binding           `json:"bindings,omitempty" yaml:"bindings,omitempty" mapstructure:"bindings"`
	Classes       []string            `json:"classes,omitempty" yaml:"classes,omitempty" mapstructure:"classes"`
	ClassBindings []ClassBinding      `json:"classBindings,omitempty" yaml:"class_bindings,omitempty" mapstructure:"class_bindings"`
	Events        map[string][]string `json:"events,omitempty" yaml:"events,omitempty" mapstructure:"events"`
	// Model lists the bound model keys in order. Expressions may only read these.
	Model []string `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`
}

// ErrInvalidDescriptor is returned for descriptors that cannot be compiled.
var ErrInvalidDescriptor = errors.New("invalid template descriptor")

// Validate checks the structural rules of the descriptor. Expressions are
// checked by Compile.
func (d Descriptor) Validate() error {
	var errs []error
	if d.ID <= 0 {
		errs = append(errs, fmt.Errorf("id must be positive, got %d", d.ID))
	}
	if d.Tag == "" {
		errs = append(errs, errors.New("tag is required"))
	}
	seen := make(map[string]bool, len(d.Model))
	for _, k := range d.Model {
		if seen[k] {
			errs = append(errs, fmt.Errorf("model key %q repeated", k))
		}
		seen[k] = true
	}
	for i, b := range d.Bindings {
		if !seen[b.Key] {
			errs = append(errs, fmt.Errorf("binding %d: model key %q is not declared", i, b.Key))
		}
		switch b.Kind {
		case BindProperty, BindAttribute:
			if b.Target == "" {
				errs = append(errs, fmt.Errorf("binding %d: %s binding needs a target", i, b.Kind))
			}
		case BindText:
		default:
			errs = append(errs, fmt.Errorf("binding %d: unknown kind %q", i, b.Kind))
		}
	}
	for i, cb := range d.ClassBindings {
		if !seen[cb.Key] {
			errs = append(errs, fmt.Errorf("class binding %d: model key %q is not declared", i, cb.Key))
		}
		if cb.Class == "" {
			errs = append(errs, fmt.Errorf("class binding %d: class is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("template %d: %w: %w", d.ID, ErrInvalidDescriptor, errors.Join(errs...))
	}
	return nil
}

// propertyTargets returns the targets of property bindings.
func (d Descriptor) propertyTargets() map[string]bool {
	out := make(map[string]bool)
	for _, b := range d.Bindings {
		if b.Kind == BindProperty {
			out[b.Target] = true
		}
	}
	return out
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	c := d
	c.Attributes = maps.Clone(d.Attributes)
	c.Bindings = slices.Clone(d.Bindings)
	c.Classes = slices.Clone(d.Classes)
	c.ClassBindings = slices.Clone(d.ClassBindings)
	if d.Events != nil {
		c.Events = make(map[string][]string, len(d.Events))
		for k, v := range d.Events {
			c.Events[k] = slices.Clone(v)
		}
	}
	c.Model = slices.Clone(d.Model)
	return c
}
