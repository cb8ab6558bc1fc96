package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/aretw0/lattice/pkg/domain"
)

// refKey is the object key that marks a node reference.
const refKey = "@id"

type refMessage struct {
	ID domain.NodeID `json:"@id"`
}

// EncodeValue encodes a feature value. Node references become {"@id":N}.
func EncodeValue(v domain.Value) (json.RawMessage, error) {
	if ref, ok := v.(domain.NodeRef); ok {
		return json.Marshal(refMessage{ID: ref.ID})
	}
	if err := domain.ValidateValue(v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func encodeValues(vs []domain.Value) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(vs))
	for i, v := range vs {
		raw, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}

func encodeValueMap(m map[string]domain.Value) (map[string]json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		raw, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

// DecodeValue decodes a feature value. Integral numbers decode as int, other
// numbers as float64, arrays as []string and {"@id":N} as a NodeRef.
func DecodeValue(raw json.RawMessage) (domain.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fromJSON(v)
}

func fromJSON(v any) (domain.Value, error) {
	switch x := v.(type) {
	case nil, bool, string:
		return x, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %s", ErrMalformed, x)
		}
		return f, nil
	case []any:
		out := make([]string, len(x))
		for i, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: array element %d is %T", domain.ErrInvalidValue, i, e)
			}
			out[i] = s
		}
		return out, nil
	case map[string]any:
		id, ok := x[refKey].(json.Number)
		if !ok || len(x) != 1 {
			return nil, fmt.Errorf("%w: object is not a node reference", domain.ErrInvalidValue)
		}
		n, err := id.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: node reference %s", ErrMalformed, id)
		}
		return domain.Ref(domain.NodeID(n)), nil
	}
	return nil, fmt.Errorf("%w: %T", domain.ErrInvalidValue, v)
}

func decodeValues(raws []json.RawMessage) ([]domain.Value, error) {
	out := make([]domain.Value, len(raws))
	for i, raw := range raws {
		v, err := DecodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func decodeValueMap(raws map[string]json.RawMessage) (map[string]domain.Value, error) {
	if raws == nil {
		return nil, nil
	}
	out := make(map[string]domain.Value, len(raws))
	for k, raw := range raws {
		v, err := DecodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
