package tagger

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	log "github.com/sirupsen/logrus"

	"github.com/ufwt/datAFLow-sub000/irutil"
)

// tagIndirectCalls scans the module for calls through function pointers
// loaded from recorded struct fields and redirects them to the tagged
// version of the recorded allocation function.
func (p *Pass) tagIndirectCalls(m *ir.Module) {
	if len(p.fields) == 0 {
		return
	}
	for _, fn := range m.Funcs {
		for _, b := range fn.Blocks {
			insts := make([]ir.Instruction, len(b.Insts))
			copy(insts, b.Insts)
			for _, inst := range insts {
				if call, ok := inst.(*ir.InstCall); ok && isIndirectCallee(call.Callee) {
					p.tagIndirectCall(m, use{fn: fn, block: b, site: call}, call.Callee)
				}
			}
			if inv, ok := b.Term.(*ir.TermInvoke); ok && isIndirectCallee(inv.Invokee) {
				p.tagIndirectCall(m, use{fn: fn, block: b, site: inv}, inv.Invokee)
			}
		}
	}
}

func isIndirectCallee(callee value.Value) bool {
	switch irutil.StripPointerCasts(callee).(type) {
	case *ir.Func, *ir.InlineAsm:
		return false
	}
	return true
}

// tagIndirectCall rewrites one indirect call site if its callee provably
// comes from a recorded struct field: the called pointer must originate
// from a load whose address resolves to a struct type and constant offset
// matching a struct record. Anything unresolvable is left alone.
func (p *Pass) tagIndirectCall(m *ir.Module, u use, callee value.Value) {
	calleePtr, ok := callee.Type().(*types.PointerType)
	if !ok {
		return
	}
	calleeTy, ok := calleePtr.ElemType.(*types.FuncType)
	if !ok {
		return
	}

	obj := irutil.UnderlyingObject(callee, irutil.MaxUnderlyingLookups)
	load, ok := obj.(*ir.InstLoad)
	if !ok {
		return
	}
	base, off, ok := irutil.PointerBaseWithConstOffset(load.Src)
	if !ok {
		return
	}
	basePtr, ok := base.Type().(*types.PointerType)
	if !ok {
		return
	}
	st, ok := basePtr.ElemType.(*types.StructType)
	if !ok {
		return
	}
	inner, idx, _, ok := irutil.ResolveStructOffset(st, off)
	if !ok {
		return
	}
	desc, ok := p.fields[fieldKey{structName: inner.Name(), index: idx}]
	if !ok {
		return
	}
	if desc.typeString != "" && desc.typeString != calleeTy.String() {
		log.Panicf("tagger: recorded type %s for %s field %d does not match call type %s",
			desc.typeString, inner.Name(), idx, calleeTy)
	}

	// The recorded function is most likely defined in another unit; a
	// definition in this one would be called directly.
	orig := irutil.GetOrInsertFunc(m, desc.name, calleeTy)
	if !types.Equal(orig.Sig, calleeTy) {
		log.Fatalf("tagger: %s redeclared as %v, want %v", desc.name, orig.Sig, calleeTy)
	}
	p.addFunc(orig)

	log.Debugf("resolved indirect call in %s through %s field %d to %s",
		u.fn.Ident(), inner.Name(), idx, orig.Ident())
	p.tagCall(m, u, p.tagFunction(m, orig))
}
