// Package irutil provides the IR analysis and rewrite helpers shared by the
// collector, tagger and instrumentation passes: type layout queries, TBAA
// struct-offset resolution, pointer provenance tracing, whole-module use
// replacement, and function body cloning.
package irutil

import (
	"github.com/llir/llvm/ir/types"
	"golang.org/x/xerrors"
)

// Layout queries assume the x86-64 data layout the runtime allocator is
// built for: 8-byte pointers, natural alignment, structs padded to field
// alignment.

const ptrSize = 8

// SizeOf returns the store size in bytes of t. Unsized types (opaque
// structs, functions, void) are an error.
func SizeOf(t types.Type) (int64, error) {
	switch t := t.(type) {
	case *types.IntType:
		return int64((t.BitSize + 7) / 8), nil
	case *types.FloatType:
		switch t.Kind {
		case types.FloatKindHalf:
			return 2, nil
		case types.FloatKindFloat:
			return 4, nil
		case types.FloatKindDouble:
			return 8, nil
		case types.FloatKindX86_FP80:
			return 16, nil
		case types.FloatKindFP128, types.FloatKindPPC_FP128:
			return 16, nil
		}
		return 0, xerrors.Errorf("irutil: size of float kind %v", t.Kind)
	case *types.PointerType:
		return ptrSize, nil
	case *types.ArrayType:
		elem, err := SizeOf(t.ElemType)
		if err != nil {
			return 0, err
		}
		return int64(t.Len) * elem, nil
	case *types.VectorType:
		elem, err := SizeOf(t.ElemType)
		if err != nil {
			return 0, err
		}
		return int64(t.Len) * elem, nil
	case *types.StructType:
		if t.Opaque {
			return 0, xerrors.Errorf("irutil: size of opaque struct %s", t.Name())
		}
		_, size, err := structLayout(t)
		if err != nil {
			return 0, err
		}
		return size, nil
	}
	return 0, xerrors.Errorf("irutil: size of unsized type %v", t)
}

// AlignOf returns the ABI alignment in bytes of t.
func AlignOf(t types.Type) (int64, error) {
	switch t := t.(type) {
	case *types.IntType:
		switch {
		case t.BitSize <= 8:
			return 1, nil
		case t.BitSize <= 16:
			return 2, nil
		case t.BitSize <= 32:
			return 4, nil
		default:
			return 8, nil
		}
	case *types.FloatType:
		size, err := SizeOf(t)
		if err != nil {
			return 0, err
		}
		return size, nil
	case *types.PointerType:
		return ptrSize, nil
	case *types.ArrayType:
		return AlignOf(t.ElemType)
	case *types.VectorType:
		size, err := SizeOf(t)
		if err != nil {
			return 0, err
		}
		return size, nil
	case *types.StructType:
		if t.Packed {
			return 1, nil
		}
		if t.Opaque {
			return 0, xerrors.Errorf("irutil: align of opaque struct %s", t.Name())
		}
		align := int64(1)
		for _, f := range t.Fields {
			a, err := AlignOf(f)
			if err != nil {
				return 0, err
			}
			if a > align {
				align = a
			}
		}
		return align, nil
	}
	return 0, xerrors.Errorf("irutil: align of type %v", t)
}

func structLayout(st *types.StructType) (offsets []int64, size int64, err error) {
	offsets = make([]int64, len(st.Fields))
	off := int64(0)
	maxAlign := int64(1)
	for i, f := range st.Fields {
		fsize, err := SizeOf(f)
		if err != nil {
			return nil, 0, err
		}
		align := int64(1)
		if !st.Packed {
			align, err = AlignOf(f)
			if err != nil {
				return nil, 0, err
			}
		}
		off = roundUp(off, align)
		offsets[i] = off
		off += fsize
		if align > maxAlign {
			maxAlign = align
		}
	}
	return offsets, roundUp(off, maxAlign), nil
}

func roundUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}

// FieldOffsets returns the byte offset of every field of st.
func FieldOffsets(st *types.StructType) ([]int64, error) {
	if st.Opaque {
		return nil, xerrors.Errorf("irutil: layout of opaque struct %s", st.Name())
	}
	offs, _, err := structLayout(st)
	return offs, err
}

// FieldAt returns the index and base offset of the field of st containing
// byte offset off.
func FieldAt(st *types.StructType, off int64) (idx int, base int64, err error) {
	offs, size, err := structLayout(st)
	if err != nil {
		return 0, 0, err
	}
	if off < 0 || off >= size {
		return 0, 0, xerrors.Errorf("irutil: offset %d outside struct %s (size %d)", off, st.Name(), size)
	}
	for i := len(offs) - 1; i >= 0; i-- {
		if offs[i] <= off {
			return i, offs[i], nil
		}
	}
	return 0, 0, xerrors.Errorf("irutil: offset %d unmatched in struct %s", off, st.Name())
}

// ResolveStructOffset maps a byte offset within st to the concrete field
// holding it, descending into nested struct fields until the field is not
// itself a struct. It returns the innermost struct, the field's index, and
// the field's byte offset within that struct. ok is false when the offset
// lies outside the struct or inside an opaque field.
func ResolveStructOffset(st *types.StructType, off int64) (inner *types.StructType, idx int, fieldOff int64, ok bool) {
	for {
		i, base, err := FieldAt(st, off)
		if err != nil {
			return nil, 0, 0, false
		}
		nested, isStruct := st.Fields[i].(*types.StructType)
		if !isStruct || nested.Opaque {
			return st, i, base, true
		}
		st = nested
		off -= base
	}
}

// IsFuncPtr reports whether t is a pointer to a function.
func IsFuncPtr(t types.Type) bool {
	ptr, ok := t.(*types.PointerType)
	if !ok {
		return false
	}
	_, ok = ptr.ElemType.(*types.FuncType)
	return ok
}
