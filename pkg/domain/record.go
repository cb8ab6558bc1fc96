package domain

import "fmt"

// Record is one atomic, replayable description of a single state mutation.
// The set of variants is closed; see Handler.
type Record interface {
	isRecord()
}

// IDChanged is emitted when a node adopted from another tree receives a new id.
type IDChanged struct {
	Old NodeID
	New NodeID
}

// ValuePut sets a key of a map feature or the slot of a scalar feature.
type ValuePut struct {
	Feature FeatureID
	Key     string
	Value   Value
}

// ValueRemoved removes a key of a map feature or clears a scalar feature.
type ValueRemoved struct {
	Feature  FeatureID
	Key      string
	OldValue Value
}

// ListInserted inserts a single value into a list feature.
type ListInserted struct {
	Feature FeatureID
	Index   int
	Value   Value
}

// ListInsertedMany inserts a run of values into a list feature.
type ListInsertedMany struct {
	Feature FeatureID
	Index   int
	Values  []Value
}

// ListRemoved removes the value at Index of a list feature.
type ListRemoved struct {
	Feature  FeatureID
	Index    int
	OldValue Value
}

// ListReplaced replaces the value at Index of a list feature.
type ListReplaced struct {
	Feature  FeatureID
	Index    int
	OldValue Value
	NewValue Value
}

// ParentChanged moves a node under a new parent. New == NoNode means detached.
// A ParentChanged with a parent starts the full-state dump of the node.
type ParentChanged struct {
	Old NodeID
	New NodeID
}

// RangeStartChanged moves the start of the materialized window of a list feature.
type RangeStartChanged struct {
	Feature FeatureID
	Start   int
}

// RangeEndChanged moves the end of the materialized window of a list feature.
type RangeEndChanged struct {
	Feature FeatureID
	End     int
}

func (IDChanged) isRecord()         {}
func (ValuePut) isRecord()          {}
func (ValueRemoved) isRecord()      {}
func (ListInserted) isRecord()      {}
func (ListInsertedMany) isRecord()  {}
func (ListRemoved) isRecord()       {}
func (ListReplaced) isRecord()      {}
func (ParentChanged) isRecord()     {}
func (RangeStartChanged) isRecord() {}
func (RangeEndChanged) isRecord()   {}

// Change is a record tagged with the node it applies to.
type Change struct {
	Node   NodeID
	Record Record
}

// Accept dispatches the change to the matching handler method.
func (c Change) Accept(h Handler) error {
	return Accept(c.Node, c.Record, h)
}

func (c Change) String() string {
	return fmt.Sprintf("%d:%s%+v", c.Node, TypeOf(c.Record), c.Record)
}

// Handler consumes change records, one method per variant.
// Adding a variant adds a method, so every consumer must handle it before it compiles.
type Handler interface {
	IDChanged(node NodeID, r IDChanged) error
	ValuePut(node NodeID, r ValuePut) error
	ValueRemoved(node NodeID, r ValueRemoved) error
	ListInserted(node NodeID, r ListInserted) error
	ListInsertedMany(node NodeID, r ListInsertedMany) error
	ListRemoved(node NodeID, r ListRemoved) error
	ListReplaced(node NodeID, r ListReplaced) error
	ParentChanged(node NodeID, r ParentChanged) error
	RangeStartChanged(node NodeID, r RangeStartChanged) error
	RangeEndChanged(node NodeID, r RangeEndChanged) error
}

// Accept calls exactly the handler method matching the record variant.
func Accept(node NodeID, r Record, h Handler) error {
	switch rec := r.(type) {
	case IDChanged:
		return h.IDChanged(node, rec)
	case ValuePut:
		return h.ValuePut(node, rec)
	case ValueRemoved:
		return h.ValueRemoved(node, rec)
	case ListInserted:
		return h.ListInserted(node, rec)
	case ListInsertedMany:
		return h.ListInsertedMany(node, rec)
	case ListRemoved:
		return h.ListRemoved(node, rec)
	case ListReplaced:
		return h.ListReplaced(node, rec)
	case ParentChanged:
		return h.ParentChanged(node, rec)
	case RangeStartChanged:
		return h.RangeStartChanged(node, rec)
	case RangeEndChanged:
		return h.RangeEndChanged(node, rec)
	}
	return fmt.Errorf("%w: %T", ErrUnknownRecord, r)
}

// AcceptAll dispatches changes in order and stops at the first error.
func AcceptAll(changes []Change, h Handler) error {
	for i, c := range changes {
		if err := c.Accept(h); err != nil {
			return fmt.Errorf("change %d (node %d): %w", i, c.Node, err)
		}
	}
	return nil
}

// FeatureOf returns the feature a record belongs to.
func FeatureOf(r Record) FeatureID {
	switch rec := r.(type) {
	case ValuePut:
		return rec.Feature
	case ValueRemoved:
		return rec.Feature
	case ListInserted:
		return rec.Feature
	case ListInsertedMany:
		return rec.Feature
	case ListRemoved:
		return rec.Feature
	case ListReplaced:
		return rec.Feature
	case RangeStartChanged:
		return rec.Feature
	case RangeEndChanged:
		return rec.Feature
	}
	return FeatureParent
}

// Record type names, shared by the wire codec and metrics labels.
const (
	TypeIDChanged      = "idChanged"
	TypePut            = "put"
	TypeRemove         = "remove"
	TypeListInsert     = "listInsert"
	TypeListInsertMany = "listInsertMany"
	TypeListRemove     = "listRemove"
	TypeListReplace    = "listReplace"
	TypeParentChanged  = "parentChanged"
	TypeRangeStart     = "rangeStart"
	TypeRangeEnd       = "rangeEnd"
)

// TypeOf returns the type name of a record.
func TypeOf(r Record) string {
	switch r.(type) {
	case IDChanged:
		return TypeIDChanged
	case ValuePut:
		return TypePut
	case ValueRemoved:
		return TypeRemove
	case ListInserted:
		return TypeListInsert
	case ListInsertedMany:
		return TypeListInsertMany
	case ListRemoved:
		return TypeListRemove
	case ListReplaced:
		return TypeListReplace
	case ParentChanged:
		return TypeParentChanged
	case RangeStartChanged:
		return TypeRangeStart
	case RangeEndChanged:
		return TypeRangeEnd
	}
	return "unknown"
}

// HandlerFuncs adapts plain functions to Handler. Nil functions ignore the record.
type HandlerFuncs struct {
	OnIDChanged         func(NodeID, IDChanged) error
	OnValuePut          func(NodeID, ValuePut) error
	OnValueRemoved      func(NodeID, ValueRemoved) error
	OnListInserted      func(NodeID, ListInserted) error
	OnListInsertedMany  func(NodeID, ListInsertedMany) error
	OnListRemoved       func(NodeID, ListRemoved) error
	OnListReplaced      func(NodeID, ListReplaced) error
	OnParentChanged     func(NodeID, ParentChanged) error
	OnRangeStartChanged func(NodeID, RangeStartChanged) error
	OnRangeEndChanged   func(NodeID, RangeEndChanged) error
}

var _ Handler = HandlerFuncs{}

func (h HandlerFuncs) IDChanged(n NodeID, r IDChanged) error {
	if h.OnIDChanged == nil {
		return nil
	}
	return h.OnIDChanged(n, r)
}

func (h HandlerFuncs) ValuePut(n NodeID, r ValuePut) error {
	if h.OnValuePut == nil {
		return nil
	}
	return h.OnValuePut(n, r)
}

func (h HandlerFuncs) ValueRemoved(n NodeID, r ValueRemoved) error {
	if h.OnValueRemoved == nil {
		return nil
	}
	return h.OnValueRemoved(n, r)
}

func (h HandlerFuncs) ListInserted(n NodeID, r ListInserted) error {
	if h.OnListInserted == nil {
		return nil
	}
	return h.OnListInserted(n, r)
}

func (h HandlerFuncs) ListInsertedMany(n NodeID, r ListInsertedMany) error {
	if h.OnListInsertedMany == nil {
		return nil
	}
	return h.OnListInsertedMany(n, r)
}

func (h HandlerFuncs) ListRemoved(n NodeID, r ListRemoved) error {
	if h.OnListRemoved == nil {
		return nil
	}
	return h.OnListRemoved(n, r)
}

func (h HandlerFuncs) ListReplaced(n NodeID, r ListReplaced) error {
	if h.OnListReplaced == nil {
		return nil
	}
	return h.OnListReplaced(n, r)
}

func (h HandlerFuncs) ParentChanged(n NodeID, r ParentChanged) error {
	if h.OnParentChanged == nil {
		return nil
	}
	return h.OnParentChanged(n, r)
}

func (h HandlerFuncs) RangeStartChanged(n NodeID, r RangeStartChanged) error {
	if h.OnRangeStartChanged == nil {
		return nil
	}
	return h.OnRangeStartChanged(n, r)
}

func (h HandlerFuncs) RangeEndChanged(n NodeID, r RangeEndChanged) error {
	if h.OnRangeEndChanged == nil {
		return nil
	}
	return h.OnRangeEndChanged(n, r)
}
