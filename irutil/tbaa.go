package irutil

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
)

// TBAA access tags have the shape !{base, access, offset[, const]}. The base
// operand is a struct type descriptor when it interleaves member descriptors
// with offsets after the name, giving it an odd operand count above one.

// StructOffsetFromTBAA reads the !tbaa attachment among md and, when it
// describes a struct member access, returns the struct type name as spelled
// in the descriptor plus the access's byte offset.
func StructOffsetFromTBAA(md []*metadata.Attachment) (name string, off int64, ok bool) {
	var tag *metadata.Tuple
	for _, att := range md {
		if att.Name == "tbaa" {
			tag, _ = att.Node.(*metadata.Tuple)
			break
		}
	}
	if tag == nil || len(tag.Fields) < 3 {
		return "", 0, false
	}
	base, ok := tag.Fields[0].(*metadata.Tuple)
	if !ok || len(base.Fields) < 3 || len(base.Fields)%2 == 0 {
		return "", 0, false
	}
	nameField, ok := base.Fields[0].(*metadata.String)
	if !ok {
		return "", 0, false
	}
	offField, ok := tag.Fields[2].(*constant.Int)
	if !ok {
		return "", 0, false
	}
	return nameField.Value, offField.X.Int64(), true
}

// StructFromTBAA resolves the struct type a memory access targets: the TBAA
// descriptor name is looked up as `struct.<name>` among the module's type
// definitions, the way C front ends emit both.
func StructFromTBAA(m *ir.Module, md []*metadata.Attachment) (*types.StructType, int64, bool) {
	name, off, ok := StructOffsetFromTBAA(md)
	if !ok {
		return nil, 0, false
	}
	st := FindStructType(m, "struct."+name)
	if st == nil {
		return nil, 0, false
	}
	return st, off, true
}

// FindStructType returns the named struct among m's type definitions, or nil.
func FindStructType(m *ir.Module, name string) *types.StructType {
	for _, t := range m.TypeDefs {
		if st, ok := t.(*types.StructType); ok && st.Name() == name {
			return st
		}
	}
	return nil
}

// HasTBAA reports whether the attachment list carries a !tbaa node at all.
// The collector treats a store of an allocation function without TBAA as a
// build misconfiguration, so it needs the distinction from "TBAA present but
// not a struct access".
func HasTBAA(md []*metadata.Attachment) bool {
	for _, att := range md {
		if att.Name == "tbaa" {
			return true
		}
	}
	return false
}
