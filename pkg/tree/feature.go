package tree

import (
	"maps"
	"slices"

	"github.com/aretw0/lattice/pkg/domain"
)

type featureBase struct {
	node *Node
	id   domain.FeatureID
}

// ID returns the feature id.
func (f featureBase) ID() domain.FeatureID {
	return f.id
}

// ScalarFeature holds a single optional value.
type ScalarFeature struct {
	featureBase
	value domain.Value
	set   bool
}

// Get returns the current value and whether one is set.
func (f *ScalarFeature) Get() (domain.Value, bool) {
	return domain.CloneValue(f.value), f.set
}

// Set stores v. Setting the current value again records nothing.
func (f *ScalarFeature) Set(v domain.Value) (prev domain.Value, had bool, err error) {
	f.node.mustWrite("scalar set")
	if err := domain.ValidateValue(v); err != nil {
		return nil, false, err
	}
	prev, had = f.value, f.set
	if had && domain.EqualValues(prev, v) {
		return prev, had, nil
	}
	v = domain.CloneValue(v)
	f.node.record(domain.ValuePut{Feature: f.id, Key: f.id.ScalarKey(), Value: v})
	f.value, f.set = v, true
	return prev, had, nil
}

// Clear removes the value. Clearing an empty slot records nothing.
func (f *ScalarFeature) Clear() (prev domain.Value, had bool) {
	f.node.mustWrite("scalar clear")
	if !f.set {
		return nil, false
	}
	prev = f.value
	f.node.record(domain.ValueRemoved{Feature: f.id, Key: f.id.ScalarKey(), OldValue: prev})
	f.value, f.set = nil, false
	return prev, true
}

func (f *ScalarFeature) dump() []domain.Record {
	if !f.set {
		return nil
	}
	return []domain.Record{domain.ValuePut{Feature: f.id, Key: f.id.ScalarKey(), Value: f.value}}
}

// MapFeature holds string-keyed values.
type MapFeature struct {
	featureBase
	values map[string]domain.Value
}

// Get returns the value stored under key.
func (f *MapFeature) Get(key string) (domain.Value, bool) {
	v, ok := f.values[key]
	return domain.CloneValue(v), ok
}

// Has reports whether key is present.
func (f *MapFeature) Has(key string) bool {
	_, ok := f.values[key]
	return ok
}

// Keys returns the keys in sorted order.
func (f *MapFeature) Keys() []string {
	return slices.Sorted(maps.Keys(f.values))
}

// Len returns the number of keys.
func (f *MapFeature) Len() int {
	return len(f.values)
}

// Put stores v under key and returns the previous value.
// Putting the value already stored under key is not a mutation.
func (f *MapFeature) Put(key string, v domain.Value) (prev domain.Value, had bool, err error) {
	f.node.mustWrite("map put")
	if err := domain.ValidateValue(v); err != nil {
		return nil, false, err
	}
	prev, had = f.values[key]
	if had && domain.EqualValues(prev, v) {
		return prev, had, nil
	}
	v = domain.CloneValue(v)
	f.node.record(domain.ValuePut{Feature: f.id, Key: key, Value: v})
	if f.values == nil {
		f.values = make(map[string]domain.Value)
	}
	f.values[key] = v
	return prev, had, nil
}

// Remove deletes key. Removing an absent key is a no-op and records nothing.
func (f *MapFeature) Remove(key string) (old domain.Value, had bool) {
	f.node.mustWrite("map remove")
	old, had = f.values[key]
	if !had {
		return nil, false
	}
	f.node.record(domain.ValueRemoved{Feature: f.id, Key: key, OldValue: old})
	delete(f.values, key)
	return old, true
}

func (f *MapFeature) dump() []domain.Record {
	out := make([]domain.Record, 0, len(f.values))
	for _, k := range f.Keys() {
		out = append(out, domain.ValuePut{Feature: f.id, Key: k, Value: f.values[k]})
	}
	return out
}

// ListFeature holds an ordered list of values and an optional materialized range.
type ListFeature struct {
	featureBase
	values []domain.Value

	hasRange   bool
	start, end int
}

// Len returns the number of elements.
func (f *ListFeature) Len() int {
	return len(f.values)
}

// Get returns the element at i.
func (f *ListFeature) Get(i int) (domain.Value, error) {
	if i < 0 || i >= len(f.values) {
		return nil, &domain.IndexError{Op: "get", Index: i, Size: len(f.values)}
	}
	return domain.CloneValue(f.values[i]), nil
}

// Values returns a copy of the elements.
func (f *ListFeature) Values() []domain.Value {
	out := make([]domain.Value, len(f.values))
	for i, v := range f.values {
		out[i] = domain.CloneValue(v)
	}
	return out
}

// IndexOf returns the index of the first element equal to v, or -1.
func (f *ListFeature) IndexOf(v domain.Value) int {
	return slices.IndexFunc(f.values, func(e domain.Value) bool {
		return domain.EqualValues(e, v)
	})
}

// Add appends v.
func (f *ListFeature) Add(v domain.Value) error {
	return f.Insert(len(f.values), v)
}

// Insert puts v at index i, shifting later elements. i may equal Len.
func (f *ListFeature) Insert(i int, v domain.Value) error {
	f.node.mustWrite("list insert")
	if i < 0 || i > len(f.values) {
		return &domain.IndexError{Op: "insert", Index: i, Size: len(f.values)}
	}
	if err := domain.ValidateValue(v); err != nil {
		return err
	}
	v = domain.CloneValue(v)
	f.node.record(domain.ListInserted{Feature: f.id, Index: i, Value: v})
	f.values = slices.Insert(f.values, i, v)
	return nil
}

// InsertMany puts vs at index i as a single record. An empty vs is a no-op.
func (f *ListFeature) InsertMany(i int, vs ...domain.Value) error {
	f.node.mustWrite("list insert many")
	if i < 0 || i > len(f.values) {
		return &domain.IndexError{Op: "insertMany", Index: i, Size: len(f.values)}
	}
	if len(vs) == 0 {
		return nil
	}
	cp := make([]domain.Value, len(vs))
	for j, v := range vs {
		if err := domain.ValidateValue(v); err != nil {
			return err
		}
		cp[j] = domain.CloneValue(v)
	}
	f.node.record(domain.ListInsertedMany{Feature: f.id, Index: i, Values: slices.Clone(cp)})
	f.values = slices.Insert(f.values, i, cp...)
	return nil
}

// RemoveAt deletes the element at i and returns it.
func (f *ListFeature) RemoveAt(i int) (domain.Value, error) {
	f.node.mustWrite("list remove")
	if i < 0 || i >= len(f.values) {
		return nil, &domain.IndexError{Op: "removeAt", Index: i, Size: len(f.values)}
	}
	old := f.values[i]
	f.node.record(domain.ListRemoved{Feature: f.id, Index: i, OldValue: old})
	f.values = slices.Delete(f.values, i, i+1)
	return old, nil
}

// ReplaceAt swaps the element at i for v and returns the old element.
// Replacing an element with an equal value records nothing.
func (f *ListFeature) ReplaceAt(i int, v domain.Value) (domain.Value, error) {
	f.node.mustWrite("list replace")
	if i < 0 || i >= len(f.values) {
		return nil, &domain.IndexError{Op: "replaceAt", Index: i, Size: len(f.values)}
	}
	if err := domain.ValidateValue(v); err != nil {
		return nil, err
	}
	old := f.values[i]
	if domain.EqualValues(old, v) {
		return old, nil
	}
	v = domain.CloneValue(v)
	f.node.record(domain.ListReplaced{Feature: f.id, Index: i, OldValue: old, NewValue: v})
	f.values[i] = v
	return old, nil
}

// Clear removes every element, last first, one record each.
func (f *ListFeature) Clear() {
	f.node.mustWrite("list clear")
	for i := len(f.values) - 1; i >= 0; i-- {
		f.node.record(domain.ListRemoved{Feature: f.id, Index: i, OldValue: f.values[i]})
		f.values = f.values[:i]
	}
}

// Range returns the materialized window, if one was set.
func (f *ListFeature) Range() (start, end int, ok bool) {
	return f.start, f.end, f.hasRange
}

// SetRange moves the materialized window to [start,end).
// Only the bounds that actually change produce a record.
func (f *ListFeature) SetRange(start, end int) error {
	f.node.mustWrite("list range")
	if start < 0 {
		return &domain.IndexError{Op: "setRange", Index: start, Size: len(f.values)}
	}
	if end < start {
		return &domain.IndexError{Op: "setRange", Index: end, Size: len(f.values)}
	}
	if !f.hasRange || f.start != start {
		f.node.record(domain.RangeStartChanged{Feature: f.id, Start: start})
	}
	if !f.hasRange || f.end != end {
		f.node.record(domain.RangeEndChanged{Feature: f.id, End: end})
	}
	f.start, f.end, f.hasRange = start, end, true
	return nil
}

func (f *ListFeature) dump() []domain.Record {
	var out []domain.Record
	if len(f.values) > 0 {
		out = append(out, domain.ListInsertedMany{Feature: f.id, Index: 0, Values: slices.Clone(f.values)})
	}
	if f.hasRange {
		out = append(out,
			domain.RangeStartChanged{Feature: f.id, Start: f.start},
			domain.RangeEndChanged{Feature: f.id, End: f.end})
	}
	return out
}

// insertRef and removeRef edit the children list on behalf of attach and detach.
func (f *ListFeature) insertRef(i int, v domain.Value) {
	f.node.record(domain.ListInserted{Feature: f.id, Index: i, Value: v})
	f.values = slices.Insert(f.values, i, v)
}

func (f *ListFeature) removeRef(i int) {
	f.node.record(domain.ListRemoved{Feature: f.id, Index: i, OldValue: f.values[i]})
	f.values = slices.Delete(f.values, i, i+1)
}

// remap rewrites node references after an adoption. It records nothing.
func remap(v domain.Value, ids map[domain.NodeID]domain.NodeID) domain.Value {
	if ref, ok := v.(domain.NodeRef); ok {
		if id, ok := ids[ref.ID]; ok {
			return domain.Ref(id)
		}
	}
	return v
}

func (f *ScalarFeature) remap(ids map[domain.NodeID]domain.NodeID) {
	f.value = remap(f.value, ids)
}

func (f *MapFeature) remap(ids map[domain.NodeID]domain.NodeID) {
	for k, v := range f.values {
		f.values[k] = remap(v, ids)
	}
}

func (f *ListFeature) remap(ids map[domain.NodeID]domain.NodeID) {
	for i, v := range f.values {
		f.values[i] = remap(v, ids)
	}
}

type feature interface {
	ID() domain.FeatureID
	dump() []domain.Record
	remap(map[domain.NodeID]domain.NodeID)
}

var (
	_ feature = (*ScalarFeature)(nil)
	_ feature = (*MapFeature)(nil)
	_ feature = (*ListFeature)(nil)
)
