// Package wire is the JSON codec shared by every transport. It encodes change
// records, batches, invocations and stream envelopes.
//
// A record travels as one flat object:
//
//	{"node":3,"type":"put","feature":"properties","key":"text","value":"hi"}
//	{"node":1,"type":"listInsert","feature":"children","index":0,"value":{"@id":3}}
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/lattice/pkg/domain"
)

// ErrMalformed is returned for messages that are not valid wire JSON.
var ErrMalformed = errors.New("malformed wire message")

// RecordMessage is the wire form of one change.
type RecordMessage struct {
	Node    domain.NodeID `json:"node"`
	Type    string        `json:"type"`
	Feature string        `json:"feature,omitempty"`
	Key     string        `json:"key,omitempty"`

	Index *int `json:"index,omitempty"`
	Start *int `json:"start,omitempty"`
	End   *int `json:"end,omitempty"`

	Value    json.RawMessage   `json:"value,omitempty"`
	Values   []json.RawMessage `json:"values,omitempty"`
	OldValue json.RawMessage   `json:"oldValue,omitempty"`

	Old *domain.NodeID `json:"old,omitempty"`
	New *domain.NodeID `json:"new,omitempty"`
}

// Encoder turns records into RecordMessages. It is a domain.Handler, so it can
// observe a tree directly or be fed flushed changes.
type Encoder struct {
	messages []RecordMessage
}

var _ domain.Handler = (*Encoder)(nil)

// Messages returns the encoded messages and resets the encoder.
func (e *Encoder) Messages() []RecordMessage {
	out := e.messages
	e.messages = nil
	return out
}

// EncodeChanges encodes changes in order.
func EncodeChanges(changes []domain.Change) ([]RecordMessage, error) {
	e := &Encoder{messages: make([]RecordMessage, 0, len(changes))}
	if err := domain.AcceptAll(changes, e); err != nil {
		return nil, err
	}
	return e.Messages(), nil
}

func intp(i int) *int { return &i }

func idp(id domain.NodeID) *domain.NodeID { return &id }

func (e *Encoder) add(node domain.NodeID, typ string, f domain.FeatureID, fill func(*RecordMessage) error) error {
	m := RecordMessage{Node: node, Type: typ}
	if f != domain.FeatureParent {
		m.Feature = f.String()
	}
	if fill != nil {
		if err := fill(&m); err != nil {
			return err
		}
	}
	e.messages = append(e.messages, m)
	return nil
}

func (e *Encoder) IDChanged(node domain.NodeID, r domain.IDChanged) error {
	return e.add(node, domain.TypeIDChanged, domain.FeatureParent, func(m *RecordMessage) error {
		m.Old, m.New = idp(r.Old), idp(r.New)
		return nil
	})
}

func (e *Encoder) ParentChanged(node domain.NodeID, r domain.ParentChanged) error {
	return e.add(node, domain.TypeParentChanged, domain.FeatureParent, func(m *RecordMessage) error {
		m.Old, m.New = idp(r.Old), idp(r.New)
		return nil
	})
}

func (e *Encoder) ValuePut(node domain.NodeID, r domain.ValuePut) error {
	return e.add(node, domain.TypePut, r.Feature, func(m *RecordMessage) error {
		m.Key = r.Key
		v, err := EncodeValue(r.Value)
		m.Value = v
		return err
	})
}

func (e *Encoder) ValueRemoved(node domain.NodeID, r domain.ValueRemoved) error {
	return e.add(node, domain.TypeRemove, r.Feature, func(m *RecordMessage) error {
		m.Key = r.Key
		if r.OldValue == nil {
			return nil
		}
		v, err := EncodeValue(r.OldValue)
		m.OldValue = v
		return err
	})
}

func (e *Encoder) ListInserted(node domain.NodeID, r domain.ListInserted) error {
	return e.add(node, domain.TypeListInsert, r.Feature, func(m *RecordMessage) error {
		m.Index = intp(r.Index)
		v, err := EncodeValue(r.Value)
		m.Value = v
		return err
	})
}

func (e *Encoder) ListInsertedMany(node domain.NodeID, r domain.ListInsertedMany) error {
	return e.add(node, domain.TypeListInsertMany, r.Feature, func(m *RecordMessage) error {
		m.Index = intp(r.Index)
		vs, err := encodeValues(r.Values)
		m.Values = vs
		return err
	})
}

func (e *Encoder) ListRemoved(node domain.NodeID, r domain.ListRemoved) error {
	return e.add(node, domain.TypeListRemove, r.Feature, func(m *RecordMessage) error {
		m.Index = intp(r.Index)
		if r.OldValue == nil {
			return nil
		}
		v, err := EncodeValue(r.OldValue)
		m.OldValue = v
		return err
	})
}

func (e *Encoder) ListReplaced(node domain.NodeID, r domain.ListReplaced) error {
	return e.add(node, domain.TypeListReplace, r.Feature, func(m *RecordMessage) error {
		m.Index = intp(r.Index)
		v, err := EncodeValue(r.NewValue)
		if err != nil {
			return err
		}
		m.Value = v
		if r.OldValue != nil {
			m.OldValue, err = EncodeValue(r.OldValue)
		}
		return err
	})
}

func (e *Encoder) RangeStartChanged(node domain.NodeID, r domain.RangeStartChanged) error {
	return e.add(node, domain.TypeRangeStart, r.Feature, func(m *RecordMessage) error {
		m.Start = intp(r.Start)
		return nil
	})
}

func (e *Encoder) RangeEndChanged(node domain.NodeID, r domain.RangeEndChanged) error {
	return e.add(node, domain.TypeRangeEnd, r.Feature, func(m *RecordMessage) error {
		m.End = intp(r.End)
		return nil
	})
}

// Change decodes the message back into a change.
func (m RecordMessage) Change() (domain.Change, error) {
	c := domain.Change{Node: m.Node}
	if m.Node == domain.NoNode {
		return c, fmt.Errorf("%w: %s record without node", ErrMalformed, m.Type)
	}

	switch m.Type {
	case domain.TypeIDChanged:
		if m.Old == nil || m.New == nil {
			return c, fmt.Errorf("%w: idChanged needs old and new", ErrMalformed)
		}
		c.Record = domain.IDChanged{Old: *m.Old, New: *m.New}
		return c, nil
	case domain.TypeParentChanged:
		var old, parent domain.NodeID
		if m.Old != nil {
			old = *m.Old
		}
		if m.New != nil {
			parent = *m.New
		}
		c.Record = domain.ParentChanged{Old: old, New: parent}
		return c, nil
	}

	f, ok := domain.ParseFeature(m.Feature)
	if !ok || !f.Valid() {
		return c, fmt.Errorf("%w: unknown feature %q", ErrMalformed, m.Feature)
	}
	index := func() (int, error) {
		if m.Index == nil {
			return 0, fmt.Errorf("%w: %s without index", ErrMalformed, m.Type)
		}
		return *m.Index, nil
	}

	switch m.Type {
	case domain.TypePut:
		v, err := DecodeValue(m.Value)
		if err != nil {
			return c, err
		}
		c.Record = domain.ValuePut{Feature: f, Key: m.Key, Value: v}
	case domain.TypeRemove:
		old, err := DecodeValue(m.OldValue)
		if err != nil {
			return c, err
		}
		c.Record = domain.ValueRemoved{Feature: f, Key: m.Key, OldValue: old}
	case domain.TypeListInsert:
		i, err := index()
		if err != nil {
			return c, err
		}
		v, err := DecodeValue(m.Value)
		if err != nil {
			return c, err
		}
		c.Record = domain.ListInserted{Feature: f, Index: i, Value: v}
	case domain.TypeListInsertMany:
		i, err := index()
		if err != nil {
			return c, err
		}
		vs, err := decodeValues(m.Values)
		if err != nil {
			return c, err
		}
		c.Record = domain.ListInsertedMany{Feature: f, Index: i, Values: vs}
	case domain.TypeListRemove:
		i, err := index()
		if err != nil {
			return c, err
		}
		old, err := DecodeValue(m.OldValue)
		if err != nil {
			return c, err
		}
		c.Record = domain.ListRemoved{Feature: f, Index: i, OldValue: old}
	case domain.TypeListReplace:
		i, err := index()
		if err != nil {
			return c, err
		}
		v, err := DecodeValue(m.Value)
		if err != nil {
			return c, err
		}
		old, err := DecodeValue(m.OldValue)
		if err != nil {
			return c, err
		}
		c.Record = domain.ListReplaced{Feature: f, Index: i, OldValue: old, NewValue: v}
	case domain.TypeRangeStart:
		if m.Start == nil {
			return c, fmt.Errorf("%w: rangeStart without start", ErrMalformed)
		}
		c.Record = domain.RangeStartChanged{Feature: f, Start: *m.Start}
	case domain.TypeRangeEnd:
		if m.End == nil {
			return c, fmt.Errorf("%w: rangeEnd without end", ErrMalformed)
		}
		c.Record = domain.RangeEndChanged{Feature: f, End: *m.End}
	default:
		return c, fmt.Errorf("%q: %w", m.Type, domain.ErrUnknownRecord)
	}
	return c, nil
}

// DecodeChanges decodes messages in order.
func DecodeChanges(msgs []RecordMessage) ([]domain.Change, error) {
	out := make([]domain.Change, len(msgs))
	for i, m := range msgs {
		c, err := m.Change()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}
