package irutil

import (
	"testing"

	"github.com/llir/llvm/ir/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeOf(t *testing.T) {
	i8ptr := types.NewPointer(types.I8)
	for _, tc := range []struct {
		typ  types.Type
		size int64
	}{
		{types.I1, 1},
		{types.I8, 1},
		{types.I16, 2},
		{types.I32, 4},
		{types.I64, 8},
		{types.Float, 4},
		{types.Double, 8},
		{i8ptr, 8},
		{types.NewArray(10, types.I32), 40},
		{types.NewStruct(types.I8, types.I32), 8},
		{types.NewStruct(types.I32, i8ptr, types.I8), 24},
	} {
		size, err := SizeOf(tc.typ)
		require.NoError(t, err, "%v", tc.typ)
		assert.Equal(t, tc.size, size, "%v", tc.typ)
	}
}

func TestSizeOfUnsized(t *testing.T) {
	opaque := &types.StructType{Opaque: true}
	_, err := SizeOf(opaque)
	assert.Error(t, err)
	_, err = SizeOf(types.NewFunc(types.Void))
	assert.Error(t, err)
}

func TestFieldOffsets(t *testing.T) {
	st := types.NewStruct(types.I8, types.I32, types.NewPointer(types.I8), types.I16)
	offs, err := FieldOffsets(st)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 4, 8, 16}, offs)

	packed := types.NewStruct(types.I8, types.I32)
	packed.Packed = true
	offs, err = FieldOffsets(packed)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, offs)
	size, err := SizeOf(packed)
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}

func TestFieldAt(t *testing.T) {
	st := types.NewStruct(types.I32, types.NewPointer(types.I8), types.I8)
	idx, base, err := FieldAt(st, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.EqualValues(t, 0, base)

	// Offsets inside a field resolve to that field's base.
	idx, base, err = FieldAt(st, 11)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.EqualValues(t, 8, base)

	_, _, err = FieldAt(st, 24)
	assert.Error(t, err)
	_, _, err = FieldAt(st, -1)
	assert.Error(t, err)
}

func TestResolveStructOffset(t *testing.T) {
	fnptr := types.NewPointer(types.NewFunc(types.NewPointer(types.I8), types.I64))
	inner := types.NewStruct(types.I64, fnptr)
	outer := types.NewStruct(types.I32, inner)

	st, idx, fieldOff, ok := ResolveStructOffset(outer, 0)
	require.True(t, ok)
	assert.Same(t, outer, st)
	assert.Equal(t, 0, idx)
	assert.EqualValues(t, 0, fieldOff)

	// Offset 16 lands in the nested struct's function pointer field.
	st, idx, fieldOff, ok = ResolveStructOffset(outer, 16)
	require.True(t, ok)
	assert.Same(t, inner, st)
	assert.Equal(t, 1, idx)
	assert.EqualValues(t, 8, fieldOff)
	assert.True(t, IsFuncPtr(st.Fields[idx]))

	_, _, _, ok = ResolveStructOffset(outer, 64)
	assert.False(t, ok)
}

func TestIsFuncPtr(t *testing.T) {
	fn := types.NewFunc(types.Void)
	assert.True(t, IsFuncPtr(types.NewPointer(fn)))
	assert.False(t, IsFuncPtr(fn))
	assert.False(t, IsFuncPtr(types.NewPointer(types.I8)))
	assert.False(t, IsFuncPtr(types.I64))
}
