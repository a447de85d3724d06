package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protojson"
	proto "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/table-sync/internal/types"
)

const (
	fieldKind     = "kind"
	fieldID       = "id"
	fieldName     = "name"
	fieldSeq      = "seq"
	fieldTable    = "table"
	fieldChanges  = "changes"
	fieldKeys     = "keys"
	fieldObserver = "observer"
)

// Encode renders the message as a binary protobuf Struct envelope.
func Encode(m Message) ([]byte, error) {
	env, err := toStruct(m)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(env)
}

// Decode parses a binary envelope produced by Encode. Deletion keys are
// accepted both as a list and as a key -> true mapping.
func Decode(data []byte) (Message, error) {
	var env structpb.Struct
	if err := proto.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fromStruct(&env)
}

// EncodeJSON renders the message in its JSON debug form.
func EncodeJSON(m Message) ([]byte, error) {
	env, err := toStruct(m)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(env)
}

// DecodeJSON parses the JSON debug form.
func DecodeJSON(data []byte) (Message, error) {
	var env structpb.Struct
	if err := protojson.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fromStruct(&env)
}

func toStruct(m Message) (*structpb.Struct, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	fields := map[string]any{
		fieldKind: string(m.Kind),
		fieldID:   m.ID,
	}
	if m.Seq > 0 {
		fields[fieldSeq] = float64(m.Seq)
	}

	switch m.Kind {
	case KindFullUpdate:
		fields[fieldName] = string(m.Name)
		if m.Contents == nil {
			fields[fieldTable] = nil
		} else {
			fields[fieldTable] = map[string]any(m.Contents)
		}
	case KindIncrementalUpdate:
		fields[fieldName] = string(m.Name)
		changes := map[string]any(m.Changes)
		if changes == nil {
			changes = map[string]any{}
		}
		fields[fieldChanges] = changes
	case KindKeyDeletion:
		fields[fieldName] = string(m.Name)
		keys := make([]any, len(m.Keys))
		for i, k := range m.Keys {
			keys[i] = k
		}
		fields[fieldKeys] = keys
	case KindObserverConnected:
		fields[fieldObserver] = float64(m.Observer)
	}

	env, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s %q: %w", m.Kind, m.Name, err)
	}
	return env, nil
}

func fromStruct(env *structpb.Struct) (Message, error) {
	f := env.GetFields()
	m := Message{
		Kind: Kind(f[fieldKind].GetStringValue()),
		ID:   f[fieldID].GetStringValue(),
		Name: types.TableName(f[fieldName].GetStringValue()),
	}
	if seq, ok := f[fieldSeq]; ok {
		n, err := wholeNumber(seq, fieldSeq)
		if err != nil {
			return Message{}, err
		}
		if n < 0 {
			return Message{}, fmt.Errorf("%w: negative seq", ErrMalformed)
		}
		m.Seq = uint64(n)
	}

	switch m.Kind {
	case KindFullUpdate:
		switch v := f[fieldTable].GetKind().(type) {
		case nil, *structpb.Value_NullValue:
		case *structpb.Value_StructValue:
			m.Contents = types.Table(v.StructValue.AsMap())
		default:
			return Message{}, fmt.Errorf("%w: table must be an object or null", ErrMalformed)
		}
	case KindIncrementalUpdate:
		changes, ok := f[fieldChanges].GetKind().(*structpb.Value_StructValue)
		if !ok {
			return Message{}, fmt.Errorf("%w: changes must be an object", ErrMalformed)
		}
		m.Changes = types.ChangeSet(changes.StructValue.AsMap())
	case KindKeyDeletion:
		keys, err := decodeKeys(f[fieldKeys])
		if err != nil {
			return Message{}, err
		}
		m.Keys = keys
	case KindObserverConnected:
		n, err := wholeNumber(f[fieldObserver], fieldObserver)
		if err != nil {
			return Message{}, err
		}
		m.Observer = types.ObserverID(n)
	}

	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// decodeKeys normalizes both deletion shapes into a DeletionSet.
func decodeKeys(v *structpb.Value) (types.DeletionSet, error) {
	switch kv := v.GetKind().(type) {
	case *structpb.Value_ListValue:
		keys := make([]string, 0, len(kv.ListValue.GetValues()))
		for _, item := range kv.ListValue.GetValues() {
			s, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("%w: deletion keys must be strings", ErrMalformed)
			}
			keys = append(keys, s.StringValue)
		}
		return types.NewDeletionSet(keys...), nil
	case *structpb.Value_StructValue:
		flags := make(map[string]bool, len(kv.StructValue.GetFields()))
		for k, item := range kv.StructValue.GetFields() {
			flags[k] = item.GetBoolValue()
		}
		return types.DeletionSetFromFlags(flags), nil
	default:
		return nil, fmt.Errorf("%w: keys must be a list or an object", ErrMalformed)
	}
}

func wholeNumber(v *structpb.Value, field string) (int64, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrMalformed, field)
	}
	f := n.NumberValue
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %s must be whole", ErrMalformed, field)
	}
	if f < -(1<<63) || f >= 1<<63 {
		return 0, fmt.Errorf("%w: %s out of range", ErrMalformed, field)
	}
	return int64(f), nil
}
