package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/table-sync/internal/types"
)

func TestEncodeDecode_FullUpdate(t *testing.T) {
	msg := FullUpdate("inventory3", types.Table{
		"gold":  float64(12),
		"items": map[string]any{"sword": true, "slots": []any{"a", "b"}},
	})
	msg.Seq = 4

	data, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindFullUpdate, got.Kind)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, types.TableName("inventory3"), got.Name)
	assert.Equal(t, uint64(4), got.Seq)
	assert.True(t, types.Equal(msg.Contents, got.Contents))
}

func TestEncodeDecode_FullUpdateNullTable(t *testing.T) {
	data, err := Encode(FullUpdate("scores", nil))
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindFullUpdate, got.Kind)
	assert.Nil(t, got.Contents)
}

func TestDecode_KeysListForm(t *testing.T) {
	data, err := Encode(KeyDeletion("scores", "b", "a", "b"))
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, types.DeletionSet{"b", "a"}, got.Keys)
}

func TestDecode_KeysFlagForm(t *testing.T) {
	env, err := structpb.NewStruct(map[string]any{
		"kind": "pt_kd",
		"id":   "m1",
		"name": "scores",
		"keys": map[string]any{"y": true, "x": true, "z": false},
	})
	require.NoError(t, err)
	data, err := proto.Marshal(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, types.DeletionSet{"x", "y"}, got.Keys)
}

func TestDecode_ObserverConnected(t *testing.T) {
	data, err := Encode(ObserverConnected(7))
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindObserverConnected, got.Kind)
	assert.Equal(t, types.ObserverID(7), got.Observer)
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]map[string]any{
		"unknown kind":       {"kind": "pt_zz", "id": "1", "name": "t"},
		"missing name":       {"kind": "pt_uk", "id": "1", "changes": map[string]any{}},
		"changes not object": {"kind": "pt_uk", "id": "1", "name": "t", "changes": "x"},
		"keys wrong type":    {"kind": "pt_kd", "id": "1", "name": "t", "keys": float64(3)},
		"keys not strings":   {"kind": "pt_kd", "id": "1", "name": "t", "keys": []any{float64(1)}},
		"fractional seq":     {"kind": "pt_uk", "id": "1", "name": "t", "changes": map[string]any{}, "seq": 1.5},
		"infinite seq":       {"kind": "pt_uk", "id": "1", "name": "t", "changes": map[string]any{}, "seq": math.Inf(1)},
		"NaN seq":            {"kind": "pt_uk", "id": "1", "name": "t", "changes": map[string]any{}, "seq": math.NaN()},
		"seq out of range":   {"kind": "pt_uk", "id": "1", "name": "t", "changes": map[string]any{}, "seq": 1e19},
		"infinite observer":  {"kind": "pt_connected", "id": "1", "observer": math.Inf(-1)},
		"table is a list":    {"kind": "pt_fu", "id": "1", "name": "t", "table": []any{}},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := structpb.NewStruct(fields)
			require.NoError(t, err)
			data, err := proto.Marshal(env)
			require.NoError(t, err)

			_, err = Decode(data)
			assert.Error(t, err)
			if name != "unknown kind" {
				assert.ErrorIs(t, err, ErrMalformed)
			}
		})
	}
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncode_UnknownKind(t *testing.T) {
	_, err := Encode(Message{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestEncodeJSON_RoundTrip(t *testing.T) {
	msg := IncrementalUpdate("scores", types.ChangeSet{"a": float64(1), "b": "x"})
	data, err := EncodeJSON(msg)
	require.NoError(t, err)

	got, err := DecodeJSON(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Changes, got.Changes)
}
