package domain

import (
	"fmt"
	"slices"
)

// NodeID identifies a state node within one tree.
type NodeID int

const (
	// NoNode is the zero id. It is never allocated and means "no parent" in ParentChanged.
	NoNode NodeID = 0
	// RootID is the id of every tree root.
	RootID NodeID = 1
)

// NodeRef is a feature value pointing at another node of the same tree.
type NodeRef struct {
	ID NodeID
}

// Ref returns a NodeRef for id.
func Ref(id NodeID) NodeRef {
	return NodeRef{ID: id}
}

func (r NodeRef) String() string {
	return fmt.Sprintf("@%d", r.ID)
}

// Shape is the storage kind of a feature.
type Shape int

const (
	ShapeScalar Shape = iota + 1
	ShapeMap
	ShapeList
)

func (s Shape) String() string {
	switch s {
	case ShapeScalar:
		return "scalar"
	case ShapeMap:
		return "map"
	case ShapeList:
		return "list"
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

// FeatureID keys a typed sub-container of a node.
type FeatureID int

const (
	// FeatureParent is a pseudo feature. It has no storage and only carries
	// ParentChanged and IDChanged records.
	FeatureParent FeatureID = iota
	FeatureTag
	FeatureProperties
	FeatureAttributes
	FeatureChildren
	FeatureListeners
	FeatureClassList
	FeatureStyle
	FeatureTemplate
	FeatureModel
)

type featureInfo struct {
	name  string
	shape Shape
	// key is the slot name of scalar features.
	key string
}

var featureTable = [...]featureInfo{
	FeatureParent:     {name: "parent"},
	FeatureTag:        {name: "tag", shape: ShapeScalar, key: "tag"},
	FeatureProperties: {name: "properties", shape: ShapeMap},
	FeatureAttributes: {name: "attributes", shape: ShapeMap},
	FeatureChildren:   {name: "children", shape: ShapeList},
	FeatureListeners:  {name: "listeners", shape: ShapeMap},
	FeatureClassList:  {name: "classList", shape: ShapeList},
	FeatureStyle:      {name: "style", shape: ShapeMap},
	FeatureTemplate:   {name: "template", shape: ShapeScalar, key: "template"},
	FeatureModel:      {name: "model", shape: ShapeMap},
}

// Valid reports whether f is a known feature with storage.
func (f FeatureID) Valid() bool {
	return f > FeatureParent && int(f) < len(featureTable)
}

// Shape returns the storage kind of f, or 0 for the parent pseudo feature.
func (f FeatureID) Shape() Shape {
	if f < 0 || int(f) >= len(featureTable) {
		return 0
	}
	return featureTable[f].shape
}

// ScalarKey returns the slot name used in ValuePut records of a scalar feature.
func (f FeatureID) ScalarKey() string {
	if f < 0 || int(f) >= len(featureTable) {
		return ""
	}
	return featureTable[f].key
}

func (f FeatureID) String() string {
	if f < 0 || int(f) >= len(featureTable) {
		return fmt.Sprintf("feature(%d)", int(f))
	}
	return featureTable[f].name
}

// ParseFeature resolves a wire name back to its FeatureID.
func ParseFeature(name string) (FeatureID, bool) {
	for i, info := range featureTable {
		if info.name == name {
			return FeatureID(i), true
		}
	}
	return 0, false
}

// Features returns every storage feature in id order. Full-state dumps follow this order.
func Features() []FeatureID {
	out := make([]FeatureID, 0, len(featureTable)-1)
	for i := range featureTable {
		if f := FeatureID(i); f.Valid() {
			out = append(out, f)
		}
	}
	return out
}

// PropertyText is the property key rendered as the element's text content.
const PropertyText = "text"

// Value is a feature value: nil, bool, a number, string, NodeRef or []string.
type Value = any

// ValidateValue reports whether v can be stored in a feature and sent on the wire.
func ValidateValue(v Value) error {
	switch v.(type) {
	case nil, bool, string, NodeRef, []string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	}
	return fmt.Errorf("%w: %T", ErrInvalidValue, v)
}

// ToFloat converts numeric values to float64.
func ToFloat(v Value) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// EqualValues compares two feature values. Numbers compare by value regardless of Go type.
func EqualValues(a, b Value) bool {
	if fa, ok := ToFloat(a); ok {
		fb, ok := ToFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case []string:
		bv, ok := b.([]string)
		return ok && slices.Equal(av, bv)
	case nil:
		return b == nil
	}
	if _, ok := b.([]string); ok {
		return false
	}
	return a == b
}

// CloneValue copies the mutable value kinds so stored values cannot be aliased.
func CloneValue(v Value) Value {
	if s, ok := v.([]string); ok {
		return slices.Clone(s)
	}
	return v
}

// Truthy follows the usual template convention: nil, false, 0 and "" are false.
func Truthy(v Value) bool {
	if f, ok := ToFloat(v); ok {
		return f != 0
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []string:
		return len(t) > 0
	}
	return true
}

// FormatValue renders a value the way it appears as element text or attribute.
func FormatValue(v Value) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	case float32:
		return fmt.Sprintf("%g", t)
	}
	return fmt.Sprint(v)
}
