package irutil

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// MaxUnderlyingLookups bounds provenance walks, matching the depth the
// analyses were validated against.
const MaxUnderlyingLookups = 6

// UnderlyingObject strips pointer casts and GEPs from v, returning the
// allocation, global, argument or load the pointer was derived from.
func UnderlyingObject(v value.Value, maxLookup int) value.Value {
	for i := 0; i < maxLookup; i++ {
		switch x := v.(type) {
		case *ir.InstGetElementPtr:
			v = x.Src
		case *ir.InstBitCast:
			v = x.From
		case *ir.InstAddrSpaceCast:
			v = x.From
		case *constant.ExprGetElementPtr:
			v = x.Src
		case *constant.ExprBitCast:
			v = x.From
		default:
			return v
		}
	}
	return v
}

// UnderlyingObjectThroughLoads behaves like UnderlyingObject but also walks
// through loads to the loaded-from address. Indirect-call resolution uses it
// to reach the struct slot a called function pointer was read from.
func UnderlyingObjectThroughLoads(v value.Value, maxLookup int) value.Value {
	for i := 0; i < maxLookup; i++ {
		switch x := v.(type) {
		case *ir.InstLoad:
			v = x.Src
		case *ir.InstGetElementPtr:
			v = x.Src
		case *ir.InstBitCast:
			v = x.From
		case *ir.InstAddrSpaceCast:
			v = x.From
		case *constant.ExprGetElementPtr:
			v = x.Src
		case *constant.ExprBitCast:
			v = x.From
		default:
			return v
		}
	}
	return v
}

// StripPointerCasts strips bitcasts and address space casts from v,
// instruction and constant expression alike. Callees of allocation calls are
// frequently cast, so callee classification works on the stripped value.
func StripPointerCasts(v value.Value) value.Value {
	for {
		switch x := v.(type) {
		case *ir.InstBitCast:
			v = x.From
		case *ir.InstAddrSpaceCast:
			v = x.From
		case *constant.ExprBitCast:
			v = x.From
		case *constant.ExprAddrSpaceCast:
			v = x.From
		default:
			return v
		}
	}
}

// PointerBaseWithConstOffset resolves v to a base pointer plus a constant
// byte offset, walking GEPs with all-constant indices and pointer casts.
// ok is false when an index is not constant or a stepped-over type has no
// static layout.
func PointerBaseWithConstOffset(v value.Value) (base value.Value, off int64, ok bool) {
	for i := 0; i < MaxUnderlyingLookups; i++ {
		switch x := v.(type) {
		case *ir.InstGetElementPtr:
			d, ok := gepOffset(x.ElemType, x.Indices)
			if !ok {
				return v, 0, false
			}
			off += d
			v = x.Src
		case *constant.ExprGetElementPtr:
			indices := make([]value.Value, len(x.Indices))
			for i, c := range x.Indices {
				indices[i] = c
			}
			d, ok := gepOffset(x.ElemType, indices)
			if !ok {
				return v, 0, false
			}
			off += d
			v = x.Src
		case *ir.InstBitCast:
			v = x.From
		case *constant.ExprBitCast:
			v = x.From
		default:
			return v, off, true
		}
	}
	return v, off, true
}

// gepOffset computes the constant byte offset a GEP adds to its source
// pointer. elem is the GEP's stepped-over element type.
func gepOffset(elem types.Type, indices []value.Value) (int64, bool) {
	if len(indices) == 0 {
		return 0, true
	}
	first, ok := indices[0].(*constant.Int)
	if !ok {
		return 0, false
	}
	size, err := SizeOf(elem)
	if err != nil {
		return 0, false
	}
	off := first.X.Int64() * size
	cur := elem
	for _, idx := range indices[1:] {
		ci, ok := idx.(*constant.Int)
		if !ok {
			return 0, false
		}
		i := ci.X.Int64()
		switch t := cur.(type) {
		case *types.StructType:
			if i < 0 || int(i) >= len(t.Fields) {
				return 0, false
			}
			offs, err := FieldOffsets(t)
			if err != nil {
				return 0, false
			}
			off += offs[i]
			cur = t.Fields[i]
		case *types.ArrayType:
			esz, err := SizeOf(t.ElemType)
			if err != nil {
				return 0, false
			}
			off += i * esz
			cur = t.ElemType
		case *types.VectorType:
			esz, err := SizeOf(t.ElemType)
			if err != nil {
				return 0, false
			}
			off += i * esz
			cur = t.ElemType
		default:
			return 0, false
		}
	}
	return off, true
}

// IsSwiftError reports whether v is a parameter or stack slot carrying the
// swifterror attribute. Such pointers may not be the operand of an address
// computation, so instrumentation skips them.
func IsSwiftError(v value.Value) bool {
	switch x := v.(type) {
	case *ir.Param:
		for _, attr := range x.Attrs {
			if pa, ok := attr.(enum.ParamAttr); ok && pa == enum.ParamAttrSwiftError {
				return true
			}
		}
	case *ir.InstAlloca:
		return x.SwiftError
	}
	return false
}
