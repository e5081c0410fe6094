package irutil

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
	log "github.com/sirupsen/logrus"
)

// FindFunc returns the function named name in m, or nil.
func FindFunc(m *ir.Module, name string) *ir.Func {
	for _, f := range m.Funcs {
		if f.Name() == name {
			return f
		}
	}
	return nil
}

// FindGlobal returns the global variable named name in m, or nil.
func FindGlobal(m *ir.Module, name string) *ir.Global {
	for _, g := range m.Globals {
		if g.Name() == name {
			return g
		}
	}
	return nil
}

// FindAlias returns the alias named name in m, or nil.
func FindAlias(m *ir.Module, name string) *ir.Alias {
	for _, a := range m.Aliases {
		if a.Name() == name {
			return a
		}
	}
	return nil
}

// RemoveFunc deletes f from m's function list.
func RemoveFunc(m *ir.Module, f *ir.Func) {
	for i, g := range m.Funcs {
		if g == f {
			m.Funcs = append(m.Funcs[:i], m.Funcs[i+1:]...)
			return
		}
	}
}

// RemoveGlobal deletes g from m's global list.
func RemoveGlobal(m *ir.Module, g *ir.Global) {
	for i, h := range m.Globals {
		if h == g {
			m.Globals = append(m.Globals[:i], m.Globals[i+1:]...)
			return
		}
	}
}

// RemoveAlias deletes a from m's alias list.
func RemoveAlias(m *ir.Module, a *ir.Alias) {
	for i, b := range m.Aliases {
		if b == a {
			m.Aliases = append(m.Aliases[:i], m.Aliases[i+1:]...)
			return
		}
	}
}

// GetOrInsertFunc returns the function named name, appending a declaration
// with the given signature when the module has none.
func GetOrInsertFunc(m *ir.Module, name string, sig *types.FuncType) *ir.Func {
	if f := FindFunc(m, name); f != nil {
		return f
	}
	params := make([]*ir.Param, len(sig.Params))
	for i, t := range sig.Params {
		params[i] = ir.NewParam("", t)
	}
	f := m.NewFunc(name, sig.RetType, params...)
	f.Sig.Variadic = sig.Variadic
	return f
}

// GetOrInsertGlobal returns the global variable named name, appending a
// declaration with the given content type when the module has none.
func GetOrInsertGlobal(m *ir.Module, name string, contentType types.Type) *ir.Global {
	if g := FindGlobal(m, name); g != nil {
		return g
	}
	return m.NewGlobal(name, contentType)
}

// DeclareRuntimeFunc declares one of the runtime hooks. The hook ABI is
// fixed, so an existing symbol with a different signature, or one defined
// in this module, stops the build.
func DeclareRuntimeFunc(m *ir.Module, name string, sig *types.FuncType) *ir.Func {
	if f := FindFunc(m, name); f != nil {
		if !types.Equal(f.Sig, sig) {
			log.Fatalf("runtime function %s redeclared as %v, want %v", name, f.Sig, sig)
		}
		if len(f.Blocks) != 0 {
			log.Fatalf("runtime function %s must not be defined in instrumented code", name)
		}
		return f
	}
	return GetOrInsertFunc(m, name, sig)
}

// InsertBefore splices insts into block immediately before pos.
func InsertBefore(block *ir.Block, pos ir.Instruction, insts ...ir.Instruction) {
	i := indexOfInst(block, pos)
	if i < 0 {
		log.Panicf("irutil: instruction %v not in block %v", pos, block.LocalName)
	}
	rest := append([]ir.Instruction{}, block.Insts[i:]...)
	block.Insts = append(block.Insts[:i], append(insts, rest...)...)
}

// RemoveInst deletes inst from block.
func RemoveInst(block *ir.Block, inst ir.Instruction) {
	i := indexOfInst(block, inst)
	if i < 0 {
		log.Panicf("irutil: instruction %v not in block %v", inst, block.LocalName)
	}
	block.Insts = append(block.Insts[:i], block.Insts[i+1:]...)
}

func indexOfInst(block *ir.Block, inst ir.Instruction) int {
	for i, in := range block.Insts {
		if in == inst {
			return i
		}
	}
	return -1
}

// markerNode returns the module's empty metadata tuple, creating and
// registering it on first use. Marker attachments all share it; the
// attachment name is what distinguishes the marks.
func markerNode(m *ir.Module) *metadata.Tuple {
	for _, def := range m.MetadataDefs {
		if t, ok := def.(*metadata.Tuple); ok && len(t.Fields) == 0 {
			return t
		}
	}
	maxID := int64(-1)
	for _, def := range m.MetadataDefs {
		if id := def.ID(); id > maxID {
			maxID = id
		}
	}
	t := &metadata.Tuple{}
	t.SetID(maxID + 1)
	m.MetadataDefs = append(m.MetadataDefs, t)
	return t
}

// MarkInst attaches the named marker metadata to inst. Marking an
// instruction kind that carries no metadata is a programming error.
func MarkInst(m *ir.Module, inst any, kind string) {
	if HasMark(inst, kind) {
		return
	}
	att := &metadata.Attachment{Name: kind, Node: markerNode(m)}
	switch x := inst.(type) {
	case *ir.InstCall:
		x.Metadata = append(x.Metadata, att)
	case *ir.TermInvoke:
		x.Metadata = append(x.Metadata, att)
	case *ir.InstLoad:
		x.Metadata = append(x.Metadata, att)
	case *ir.InstStore:
		x.Metadata = append(x.Metadata, att)
	case *ir.InstAtomicRMW:
		x.Metadata = append(x.Metadata, att)
	case *ir.InstCmpXchg:
		x.Metadata = append(x.Metadata, att)
	case *ir.InstPtrToInt:
		x.Metadata = append(x.Metadata, att)
	default:
		log.Panicf("irutil: cannot attach metadata to %T", inst)
	}
}

// HasMark reports whether inst carries the named marker metadata.
func HasMark(inst any, kind string) bool {
	for _, att := range InstMetadata(inst) {
		if att.Name == kind {
			return true
		}
	}
	return false
}

// InstMetadata returns inst's metadata attachments, or nil for kinds that
// carry none.
func InstMetadata(inst any) []*metadata.Attachment {
	switch x := inst.(type) {
	case *ir.InstCall:
		return x.Metadata
	case *ir.TermInvoke:
		return x.Metadata
	case *ir.InstLoad:
		return x.Metadata
	case *ir.InstStore:
		return x.Metadata
	case *ir.InstAtomicRMW:
		return x.Metadata
	case *ir.InstCmpXchg:
		return x.Metadata
	case *ir.InstPtrToInt:
		return x.Metadata
	}
	return nil
}
