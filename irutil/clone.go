package irutil

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/value"
	log "github.com/sirupsen/logrus"
)

// ValueMap substitutes original values with their clones during a body copy.
type ValueMap map[value.Value]value.Value

// Lookup returns the mapped value, or v itself when unmapped (constants,
// globals and declarations carry over unchanged).
func (vm ValueMap) Lookup(v value.Value) value.Value {
	if nv, ok := vm[v]; ok {
		return nv
	}
	return v
}

// CloneBody copies src's blocks and instructions into dst, which must have
// no body yet. vmap seeds the parameter substitution, so a caller cloning
// into a function with an extra leading parameter maps src.Params[i] to
// dst.Params[i+1] and the new parameter stays untouched. Instructions are
// cloned in layout order; references to values defined later are fixed by a
// final remap sweep over the cloned body.
func CloneBody(dst, src *ir.Func, vmap ValueMap) {
	if len(dst.Blocks) != 0 {
		log.Panicf("irutil: clone target %s already has a body", dst.Name())
	}
	for _, b := range src.Blocks {
		nb := dst.NewBlock(b.LocalName)
		vmap[b] = nb
	}
	for bi, b := range src.Blocks {
		nb := dst.Blocks[bi]
		for _, inst := range b.Insts {
			ni := cloneInst(inst, vmap)
			nb.Insts = append(nb.Insts, ni)
			if ov, ok := inst.(value.Value); ok {
				vmap[ov] = ni.(value.Value)
			}
		}
		nb.Term = cloneTerm(b.Term, vmap)
	}
	for _, nb := range dst.Blocks {
		for _, inst := range nb.Insts {
			mapInstOperands(inst, vmap.Lookup)
		}
		mapTermOperands(nb.Term, vmap.Lookup)
	}
}

func cloneInst(inst ir.Instruction, vmap ValueMap) ir.Instruction {
	get := vmap.Lookup
	var n ir.Instruction
	switch x := inst.(type) {
	case *ir.InstFNeg:
		n = ir.NewFNeg(get(x.X))
	case *ir.InstAdd:
		n = ir.NewAdd(get(x.X), get(x.Y))
	case *ir.InstFAdd:
		n = ir.NewFAdd(get(x.X), get(x.Y))
	case *ir.InstSub:
		n = ir.NewSub(get(x.X), get(x.Y))
	case *ir.InstFSub:
		n = ir.NewFSub(get(x.X), get(x.Y))
	case *ir.InstMul:
		n = ir.NewMul(get(x.X), get(x.Y))
	case *ir.InstFMul:
		n = ir.NewFMul(get(x.X), get(x.Y))
	case *ir.InstUDiv:
		n = ir.NewUDiv(get(x.X), get(x.Y))
	case *ir.InstSDiv:
		n = ir.NewSDiv(get(x.X), get(x.Y))
	case *ir.InstFDiv:
		n = ir.NewFDiv(get(x.X), get(x.Y))
	case *ir.InstURem:
		n = ir.NewURem(get(x.X), get(x.Y))
	case *ir.InstSRem:
		n = ir.NewSRem(get(x.X), get(x.Y))
	case *ir.InstFRem:
		n = ir.NewFRem(get(x.X), get(x.Y))
	case *ir.InstShl:
		n = ir.NewShl(get(x.X), get(x.Y))
	case *ir.InstLShr:
		n = ir.NewLShr(get(x.X), get(x.Y))
	case *ir.InstAShr:
		n = ir.NewAShr(get(x.X), get(x.Y))
	case *ir.InstAnd:
		n = ir.NewAnd(get(x.X), get(x.Y))
	case *ir.InstOr:
		n = ir.NewOr(get(x.X), get(x.Y))
	case *ir.InstXor:
		n = ir.NewXor(get(x.X), get(x.Y))
	case *ir.InstExtractValue:
		n = ir.NewExtractValue(get(x.X), x.Indices...)
	case *ir.InstInsertValue:
		n = ir.NewInsertValue(get(x.X), get(x.Elem), x.Indices...)
	case *ir.InstAlloca:
		na := ir.NewAlloca(x.ElemType)
		if x.NElems != nil {
			na.NElems = get(x.NElems)
		}
		na.Align = x.Align
		n = na
	case *ir.InstLoad:
		nl := ir.NewLoad(x.ElemType, get(x.Src))
		nl.Atomic = x.Atomic
		nl.Volatile = x.Volatile
		nl.Ordering = x.Ordering
		nl.Align = x.Align
		nl.Metadata = x.Metadata
		n = nl
	case *ir.InstStore:
		ns := ir.NewStore(get(x.Src), get(x.Dst))
		ns.Atomic = x.Atomic
		ns.Volatile = x.Volatile
		ns.Ordering = x.Ordering
		ns.Align = x.Align
		ns.Metadata = x.Metadata
		n = ns
	case *ir.InstCmpXchg:
		nc := ir.NewCmpXchg(get(x.Ptr), get(x.Cmp), get(x.New), x.SuccessOrdering, x.FailureOrdering)
		nc.Weak = x.Weak
		nc.Volatile = x.Volatile
		n = nc
	case *ir.InstAtomicRMW:
		n = ir.NewAtomicRMW(x.Op, get(x.Dst), get(x.X), x.Ordering)
	case *ir.InstGetElementPtr:
		indices := make([]value.Value, len(x.Indices))
		for i, idx := range x.Indices {
			indices[i] = get(idx)
		}
		ng := ir.NewGetElementPtr(x.ElemType, get(x.Src), indices...)
		ng.InBounds = x.InBounds
		n = ng
	case *ir.InstTrunc:
		n = ir.NewTrunc(get(x.From), x.To)
	case *ir.InstZExt:
		n = ir.NewZExt(get(x.From), x.To)
	case *ir.InstSExt:
		n = ir.NewSExt(get(x.From), x.To)
	case *ir.InstFPTrunc:
		n = ir.NewFPTrunc(get(x.From), x.To)
	case *ir.InstFPExt:
		n = ir.NewFPExt(get(x.From), x.To)
	case *ir.InstFPToUI:
		n = ir.NewFPToUI(get(x.From), x.To)
	case *ir.InstFPToSI:
		n = ir.NewFPToSI(get(x.From), x.To)
	case *ir.InstUIToFP:
		n = ir.NewUIToFP(get(x.From), x.To)
	case *ir.InstSIToFP:
		n = ir.NewSIToFP(get(x.From), x.To)
	case *ir.InstPtrToInt:
		n = ir.NewPtrToInt(get(x.From), x.To)
	case *ir.InstIntToPtr:
		n = ir.NewIntToPtr(get(x.From), x.To)
	case *ir.InstBitCast:
		n = ir.NewBitCast(get(x.From), x.To)
	case *ir.InstAddrSpaceCast:
		n = ir.NewAddrSpaceCast(get(x.From), x.To)
	case *ir.InstICmp:
		n = ir.NewICmp(x.Pred, get(x.X), get(x.Y))
	case *ir.InstFCmp:
		n = ir.NewFCmp(x.Pred, get(x.X), get(x.Y))
	case *ir.InstPhi:
		// Incoming values may be defined later; the remap sweep resolves
		// them once every instruction has a clone.
		np := &ir.InstPhi{Typ: x.Type()}
		for _, inc := range x.Incs {
			np.Incs = append(np.Incs, &ir.Incoming{X: get(inc.X), Pred: get(inc.Pred)})
		}
		n = np
	case *ir.InstSelect:
		n = ir.NewSelect(get(x.Cond), get(x.ValueTrue), get(x.ValueFalse))
	case *ir.InstFreeze:
		n = ir.NewInstFreeze(get(x.X))
	case *ir.InstCall:
		args := make([]value.Value, len(x.Args))
		for i, a := range x.Args {
			args[i] = get(a)
		}
		nc := ir.NewCall(get(x.Callee), args...)
		nc.Tail = x.Tail
		nc.CallingConv = x.CallingConv
		nc.Metadata = x.Metadata
		n = nc
	case *ir.InstVAArg:
		n = ir.NewVAArg(get(x.ArgList), x.ArgType)
	case *ir.InstLandingPad:
		clauses := make([]*ir.Clause, len(x.Clauses))
		for i, c := range x.Clauses {
			clauses[i] = ir.NewClause(c.Type, get(c.X))
		}
		nl := ir.NewLandingPad(x.ResultType, clauses...)
		nl.Cleanup = x.Cleanup
		n = nl
	default:
		log.Panicf("irutil: cannot clone instruction %T", inst)
	}
	if named, ok := n.(value.Named); ok {
		if old, ok := inst.(value.Named); ok && old.Name() != "" {
			named.SetName(old.Name())
		}
	}
	return n
}

func cloneTerm(term ir.Terminator, vmap ValueMap) ir.Terminator {
	get := vmap.Lookup
	block := func(v value.Value) *ir.Block {
		b, ok := get(v).(*ir.Block)
		if !ok {
			log.Panicf("irutil: branch target %v did not map to a block", v)
		}
		return b
	}
	switch x := term.(type) {
	case *ir.TermRet:
		if x.X == nil {
			return ir.NewRet(nil)
		}
		return ir.NewRet(get(x.X))
	case *ir.TermBr:
		return ir.NewBr(block(x.Target))
	case *ir.TermCondBr:
		return ir.NewCondBr(get(x.Cond), block(x.TargetTrue), block(x.TargetFalse))
	case *ir.TermSwitch:
		cases := make([]*ir.Case, len(x.Cases))
		for i, c := range x.Cases {
			cases[i] = &ir.Case{X: get(c.X), Target: block(c.Target)}
		}
		return ir.NewSwitch(get(x.X), block(x.TargetDefault), cases...)
	case *ir.TermInvoke:
		args := make([]value.Value, len(x.Args))
		for i, a := range x.Args {
			args[i] = get(a)
		}
		ni := ir.NewInvoke(get(x.Invokee), args, block(x.NormalRetTarget), block(x.ExceptionRetTarget))
		ni.CallingConv = x.CallingConv
		return ni
	case *ir.TermResume:
		return ir.NewResume(get(x.X))
	case *ir.TermUnreachable:
		return ir.NewUnreachable()
	default:
		log.Panicf("irutil: cannot clone terminator %T", term)
	}
	return nil
}
