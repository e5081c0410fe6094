package tagger

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	log "github.com/sirupsen/logrus"

	"github.com/ufwt/datAFLow-sub000/fuzzalloc"
	"github.com/ufwt/datAFLow-sub000/irutil"
	"github.com/ufwt/datAFLow-sub000/stats"
)

// tagCall replaces the call or invoke at u with a call to newCallee, the
// tag prepended to the original arguments. The original site is deleted
// and its users moved to the new one.
func (p *Pass) tagCall(m *ir.Module, u use, newCallee value.Value) value.Value {
	log.Debugf("tagging call site %v in %s", u.site, u.fn.Ident())

	var rawCallee value.Value
	var origArgs []value.Value
	switch site := u.site.(type) {
	case *ir.InstCall:
		rawCallee, origArgs = site.Callee, site.Args
	case *ir.TermInvoke:
		rawCallee, origArgs = site.Invokee, site.Args
	default:
		log.Panicf("tagger: call site %T is not a call or invoke", u.site)
	}

	args := make([]value.Value, 0, len(origArgs)+1)
	args = append(args, p.callSiteTag(u.fn))
	args = append(args, origArgs...)

	// The allocation result is sometimes cast to another pointer type at
	// the call. Rebuild the cast against the tagged function type.
	callee := newCallee
	if castTy, ok := bitCastDest(rawCallee); ok {
		ptr, ok := castTy.(*types.PointerType)
		if !ok {
			log.Panicf("tagger: callee cast of %v is not to a pointer type", u.site)
		}
		fty, ok := ptr.ElemType.(*types.FuncType)
		if !ok {
			log.Panicf("tagger: callee cast of %v is not to a function type", u.site)
		}
		cast := ir.NewBitCast(newCallee, types.NewPointer(p.translateType(fty)))
		p.insertAtSite(u, cast)
		callee = cast
	}

	var tagged value.Value
	switch site := u.site.(type) {
	case *ir.InstCall:
		call := ir.NewCall(callee, args...)
		irutil.InsertBefore(u.block, site, call)
		irutil.MarkInst(m, call, fuzzalloc.MDTaggedAlloc)
		irutil.ReplaceAllUses(m, site, call)
		irutil.RemoveInst(u.block, site)
		tagged = call
	case *ir.TermInvoke:
		inv := ir.NewInvoke(callee, args, asBlock(site.NormalRetTarget), asBlock(site.ExceptionRetTarget))
		irutil.MarkInst(m, inv, fuzzalloc.MDTaggedAlloc)
		u.block.Term = inv
		irutil.ReplaceAllUses(m, site, inv)
		tagged = inv
	}

	stats.IncStat(stats.NTaggedCalls)
	p.changed = true
	return tagged
}

// insertAtSite places inst ahead of the rewritten site: before the
// instruction itself, or at the end of the block when the site is the
// terminator.
func (p *Pass) insertAtSite(u use, inst ir.Instruction) {
	if pos, ok := u.site.(ir.Instruction); ok {
		irutil.InsertBefore(u.block, pos, inst)
		return
	}
	u.block.Insts = append(u.block.Insts, inst)
}

// bitCastDest returns the destination type when v is a bitcast, in either
// instruction or constant expression form.
func bitCastDest(v value.Value) (types.Type, bool) {
	switch x := v.(type) {
	case *ir.InstBitCast:
		return x.To, true
	case *constant.ExprBitCast:
		return x.To, true
	}
	return nil, false
}

func asBlock(v value.Value) *ir.Block {
	b, ok := v.(*ir.Block)
	if !ok {
		log.Panicf("tagger: invoke target %v is not a basic block", v)
	}
	return b
}
