package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopedName(t *testing.T) {
	assert.Equal(t, TableName("inventory3"), ScopedName("inventory", 3))
	assert.Equal(t, TableName("inventory0"), ScopedName("inventory", 0))
	assert.Equal(t, TableName("inventory-1"), ScopedName("inventory", UnassignedObserver))
}

func TestScopeVisible(t *testing.T) {
	assert.True(t, Global.Visible(4))
	assert.True(t, Global.Visible(UnassignedObserver))

	private := ObserverScope(4)
	assert.True(t, private.Visible(4))
	assert.False(t, private.Visible(5))
	assert.False(t, private.Visible(UnassignedObserver))
}

func TestDeletionSet(t *testing.T) {
	d := NewDeletionSet("b", "a", "b")
	assert.Equal(t, DeletionSet{"b", "a"}, d)
	assert.True(t, d.Contains("a"))
	assert.False(t, d.Contains("c"))

	flags := DeletionSetFromFlags(map[string]bool{"z": true, "y": false, "x": true})
	assert.Equal(t, DeletionSet{"x", "z"}, flags)
}

func TestNormalizeValue(t *testing.T) {
	v, err := NormalizeValue(map[string]any{"n": 3, "list": []any{int64(1), "a", nil}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 3.0, "list": []any{1.0, "a", nil}}, v)

	_, err = NormalizeValue(make(chan int))
	assert.Error(t, err)

	_, err = NormalizeTable(map[string]any{"ok": 1, "bad": struct{}{}})
	assert.Error(t, err)
}

func TestCloneValueIsDeep(t *testing.T) {
	orig := map[string]any{"inner": map[string]any{"x": 1.0}, "list": []any{1.0}}
	cloned := CloneValue(orig).(map[string]any)
	cloned["inner"].(map[string]any)["x"] = 2.0
	cloned["list"].([]any)[0] = 9.0

	assert.Equal(t, 1.0, orig["inner"].(map[string]any)["x"])
	assert.Equal(t, 1.0, orig["list"].([]any)[0])

	table := Table{"k": map[string]any{"a": true}}
	copied := table.Clone()
	copied["k"].(map[string]any)["a"] = false
	assert.Equal(t, true, table["k"].(map[string]any)["a"])
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(1.0, 1.0))
	assert.False(t, Equal(1.0, 1))
	assert.False(t, Equal("1", 1.0))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, 0.0))

	a := map[string]any{"x": []any{1.0, map[string]any{"y": "z"}}}
	b := Table{"x": []any{1.0, map[string]any{"y": "z"}}}
	assert.True(t, Equal(a, b))

	c := map[string]any{"x": []any{1.0, map[string]any{"y": "w"}}}
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(map[string]any{}, []any{}))
	assert.False(t, Equal([]any{1.0}, []any{1.0, 2.0}))
	assert.False(t, Equal(1.0, map[string]any{}))
}

func TestTableKeysSorted(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Table{"c": 1, "a": 2, "b": 3}.Keys())
}

func TestTableRecordBinaryRoundTrip(t *testing.T) {
	rec := TableRecord{
		Name:      "scores",
		Scope:     ObserverScope(2),
		Contents:  Table{"a": 1.0},
		Seq:       7,
		UpdatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := rec.MarshalBinary()
	require.NoError(t, err)

	var decoded TableRecord
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, rec, decoded)

	assert.Error(t, decoded.UnmarshalBinary([]byte("{")))
}
