package wire

import (
	"encoding/json"
	"fmt"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/template"
)

// BatchMessage is the wire form of a batch.
type BatchMessage struct {
	Epoch   string          `json:"epoch"`
	Seq     uint64          `json:"seq"`
	Full    bool            `json:"full,omitempty"`
	Changes []RecordMessage `json:"changes"`
}

// InvocationMessage is the wire form of an invocation.
type InvocationMessage struct {
	NodeID  domain.NodeID              `json:"nodeId"`
	Kind    domain.InvocationKind      `json:"kind"`
	Event   string                     `json:"event,omitempty"`
	Data    map[string]json.RawMessage `json:"data,omitempty"`
	Handler string                     `json:"handler,omitempty"`
	Args    []json.RawMessage          `json:"args,omitempty"`
}

// Kind tags stream envelopes.
type Kind string

const (
	KindTemplates   Kind = "templates"
	KindBatch       Kind = "batch"
	KindInvocations Kind = "invocations"
	KindResync      Kind = "resync"
)

// Envelope is one message of a bidirectional stream. Only the field matching
// Kind is set. A resync envelope from the renderer asks for a full dump.
type Envelope struct {
	Kind        Kind                  `json:"kind"`
	Templates   []template.Descriptor `json:"templates,omitempty"`
	Batch       *BatchMessage         `json:"batch,omitempty"`
	Invocations []InvocationMessage   `json:"invocations,omitempty"`
	Reason      string                `json:"reason,omitempty"`
}

// NewBatchMessage encodes b.
func NewBatchMessage(b domain.Batch) (*BatchMessage, error) {
	changes, err := EncodeChanges(b.Changes)
	if err != nil {
		return nil, fmt.Errorf("encode batch %s/%d: %w", b.Epoch, b.Seq, err)
	}
	return &BatchMessage{Epoch: b.Epoch, Seq: b.Seq, Full: b.Full, Changes: changes}, nil
}

// Batch decodes the message.
func (m *BatchMessage) Batch() (domain.Batch, error) {
	changes, err := DecodeChanges(m.Changes)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("decode batch %s/%d: %w", m.Epoch, m.Seq, err)
	}
	return domain.Batch{Epoch: m.Epoch, Seq: m.Seq, Full: m.Full, Changes: changes}, nil
}

// NewInvocationMessage encodes inv.
func NewInvocationMessage(inv domain.Invocation) (InvocationMessage, error) {
	data, err := encodeValueMap(inv.Data)
	if err != nil {
		return InvocationMessage{}, fmt.Errorf("encode invocation data: %w", err)
	}
	var args []json.RawMessage
	if len(inv.Args) > 0 {
		if args, err = encodeValues(inv.Args); err != nil {
			return InvocationMessage{}, fmt.Errorf("encode invocation args: %w", err)
		}
	}
	return InvocationMessage{
		NodeID:  inv.NodeID,
		Kind:    inv.Kind,
		Event:   inv.Event,
		Data:    data,
		Handler: inv.Handler,
		Args:    args,
	}, nil
}

// Invocation decodes the message.
func (m InvocationMessage) Invocation() (domain.Invocation, error) {
	switch m.Kind {
	case domain.KindEvent, domain.KindProperty, domain.KindHandler:
	default:
		return domain.Invocation{}, fmt.Errorf("%w: invocation kind %q", ErrMalformed, m.Kind)
	}
	data, err := decodeValueMap(m.Data)
	if err != nil {
		return domain.Invocation{}, fmt.Errorf("decode invocation data: %w", err)
	}
	var args []domain.Value
	if len(m.Args) > 0 {
		if args, err = decodeValues(m.Args); err != nil {
			return domain.Invocation{}, fmt.Errorf("decode invocation args: %w", err)
		}
	}
	if m.Kind == domain.KindEvent && data == nil {
		data = map[string]domain.Value{}
	}
	return domain.Invocation{
		NodeID:  m.NodeID,
		Kind:    m.Kind,
		Event:   m.Event,
		Data:    data,
		Handler: m.Handler,
		Args:    args,
	}, nil
}

// EncodeInvocations encodes invocations in order.
func EncodeInvocations(invs []domain.Invocation) ([]InvocationMessage, error) {
	out := make([]InvocationMessage, len(invs))
	for i, inv := range invs {
		m, err := NewInvocationMessage(inv)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// DecodeInvocations decodes invocations in order.
func DecodeInvocations(msgs []InvocationMessage) ([]domain.Invocation, error) {
	out := make([]domain.Invocation, len(msgs))
	for i, m := range msgs {
		inv, err := m.Invocation()
		if err != nil {
			return nil, fmt.Errorf("invocation %d: %w", i, err)
		}
		out[i] = inv
	}
	return out, nil
}

// MarshalBatch encodes a batch envelope.
func MarshalBatch(b domain.Batch) ([]byte, error) {
	m, err := NewBatchMessage(b)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: KindBatch, Batch: m})
}

// MarshalInvocations encodes an invocations envelope.
func MarshalInvocations(invs []domain.Invocation) ([]byte, error) {
	msgs, err := EncodeInvocations(invs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: KindInvocations, Invocations: msgs})
}

// MarshalTemplates encodes a templates envelope.
func MarshalTemplates(descs []template.Descriptor) ([]byte, error) {
	if descs == nil {
		descs = []template.Descriptor{}
	}
	return json.Marshal(Envelope{Kind: KindTemplates, Templates: descs})
}

// MarshalResync encodes a resync request.
func MarshalResync(reason string) ([]byte, error) {
	return json.Marshal(Envelope{Kind: KindResync, Reason: reason})
}

// Unmarshal decodes an envelope and checks that its payload matches its kind.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Kind {
	case KindBatch:
		if env.Batch == nil {
			return Envelope{}, fmt.Errorf("%w: batch envelope without batch", ErrMalformed)
		}
	case KindTemplates, KindInvocations, KindResync:
	default:
		return Envelope{}, fmt.Errorf("%w: envelope kind %q", ErrMalformed, env.Kind)
	}
	return env, nil
}
