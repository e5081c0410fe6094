package irutil

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/value"
	log "github.com/sirupsen/logrus"
)

// The IR library keeps no use lists, so use replacement walks every operand
// slot in the module and swaps pointers. The walk must know the operand
// layout of each instruction; an instruction kind it has never seen is a
// hard failure rather than a silent miss, since missing a use would leave a
// dangling reference to a deleted value.

// MapOperands applies sub to every operand slot of every instruction and
// terminator in f, storing the result back.
func MapOperands(f *ir.Func, sub func(value.Value) value.Value) {
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			mapInstOperands(inst, sub)
		}
		if block.Term != nil {
			mapTermOperands(block.Term, sub)
		}
	}
}

func mapValues(vs []value.Value, sub func(value.Value) value.Value) {
	for i, v := range vs {
		vs[i] = sub(v)
	}
}

func mapInstOperands(inst ir.Instruction, sub func(value.Value) value.Value) {
	switch x := inst.(type) {
	// Unary and binary operations.
	case *ir.InstFNeg:
		x.X = sub(x.X)
	case *ir.InstAdd:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstFAdd:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstSub:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstFSub:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstMul:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstFMul:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstUDiv:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstSDiv:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstFDiv:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstURem:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstSRem:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstFRem:
		x.X, x.Y = sub(x.X), sub(x.Y)
	// Bitwise operations.
	case *ir.InstShl:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstLShr:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstAShr:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstAnd:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstOr:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstXor:
		x.X, x.Y = sub(x.X), sub(x.Y)
	// Vector operations.
	case *ir.InstExtractElement:
		x.X, x.Index = sub(x.X), sub(x.Index)
	case *ir.InstInsertElement:
		x.X, x.Elem, x.Index = sub(x.X), sub(x.Elem), sub(x.Index)
	case *ir.InstShuffleVector:
		x.X, x.Y = sub(x.X), sub(x.Y)
	// Aggregate operations.
	case *ir.InstExtractValue:
		x.X = sub(x.X)
	case *ir.InstInsertValue:
		x.X, x.Elem = sub(x.X), sub(x.Elem)
	// Memory operations.
	case *ir.InstAlloca:
		if x.NElems != nil {
			x.NElems = sub(x.NElems)
		}
	case *ir.InstLoad:
		x.Src = sub(x.Src)
	case *ir.InstStore:
		x.Src, x.Dst = sub(x.Src), sub(x.Dst)
	case *ir.InstFence:
	case *ir.InstCmpXchg:
		x.Ptr, x.Cmp, x.New = sub(x.Ptr), sub(x.Cmp), sub(x.New)
	case *ir.InstAtomicRMW:
		x.Dst, x.X = sub(x.Dst), sub(x.X)
	case *ir.InstGetElementPtr:
		x.Src = sub(x.Src)
		mapValues(x.Indices, sub)
	// Conversions.
	case *ir.InstTrunc:
		x.From = sub(x.From)
	case *ir.InstZExt:
		x.From = sub(x.From)
	case *ir.InstSExt:
		x.From = sub(x.From)
	case *ir.InstFPTrunc:
		x.From = sub(x.From)
	case *ir.InstFPExt:
		x.From = sub(x.From)
	case *ir.InstFPToUI:
		x.From = sub(x.From)
	case *ir.InstFPToSI:
		x.From = sub(x.From)
	case *ir.InstUIToFP:
		x.From = sub(x.From)
	case *ir.InstSIToFP:
		x.From = sub(x.From)
	case *ir.InstPtrToInt:
		x.From = sub(x.From)
	case *ir.InstIntToPtr:
		x.From = sub(x.From)
	case *ir.InstBitCast:
		x.From = sub(x.From)
	case *ir.InstAddrSpaceCast:
		x.From = sub(x.From)
	// Other operations.
	case *ir.InstICmp:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstFCmp:
		x.X, x.Y = sub(x.X), sub(x.Y)
	case *ir.InstPhi:
		for _, inc := range x.Incs {
			inc.X = sub(inc.X)
			inc.Pred = sub(inc.Pred)
		}
	case *ir.InstSelect:
		x.Cond = sub(x.Cond)
		x.ValueTrue = sub(x.ValueTrue)
		x.ValueFalse = sub(x.ValueFalse)
	case *ir.InstFreeze:
		x.X = sub(x.X)
	case *ir.InstCall:
		x.Callee = sub(x.Callee)
		mapValues(x.Args, sub)
	case *ir.InstVAArg:
		x.ArgList = sub(x.ArgList)
	case *ir.InstLandingPad:
		for _, clause := range x.Clauses {
			clause.X = sub(clause.X)
		}
	default:
		log.Panicf("irutil: unhandled instruction %T in operand walk", inst)
	}
}

func mapTermOperands(term ir.Terminator, sub func(value.Value) value.Value) {
	switch x := term.(type) {
	case *ir.TermRet:
		if x.X != nil {
			x.X = sub(x.X)
		}
	case *ir.TermBr:
		x.Target = sub(x.Target)
	case *ir.TermCondBr:
		x.Cond = sub(x.Cond)
		x.TargetTrue = sub(x.TargetTrue)
		x.TargetFalse = sub(x.TargetFalse)
	case *ir.TermSwitch:
		x.X = sub(x.X)
		x.TargetDefault = sub(x.TargetDefault)
		for _, c := range x.Cases {
			c.X = sub(c.X)
			c.Target = sub(c.Target)
		}
	case *ir.TermIndirectBr:
		x.Addr = sub(x.Addr)
		mapValues(x.ValidTargets, sub)
	case *ir.TermInvoke:
		x.Invokee = sub(x.Invokee)
		mapValues(x.Args, sub)
		x.NormalRetTarget = sub(x.NormalRetTarget)
		x.ExceptionRetTarget = sub(x.ExceptionRetTarget)
	case *ir.TermResume:
		x.X = sub(x.X)
	case *ir.TermUnreachable:
	default:
		log.Panicf("irutil: unhandled terminator %T in operand walk", term)
	}
}

// ReplaceAllUses rewrites every use of old in m to new: instruction and
// terminator operands, global initializers and aliasees. Replacing a use
// inside a constant context requires new to be a constant.
func ReplaceAllUses(m *ir.Module, old, new value.Value) {
	sub := func(v value.Value) value.Value {
		if v == old {
			return new
		}
		return v
	}
	for _, f := range m.Funcs {
		MapOperands(f, sub)
	}
	newConst, _ := new.(constant.Constant)
	constSub := func(c constant.Constant) constant.Constant {
		if c != old {
			return c
		}
		if newConst == nil {
			log.Panicf("irutil: constant use of %v replaced with non-constant %v", old.Ident(), new.Ident())
		}
		return newConst
	}
	for _, g := range m.Globals {
		if g.Init != nil {
			g.Init = mapConstant(g.Init, constSub)
		}
	}
	for _, a := range m.Aliases {
		a.Aliasee = mapConstant(a.Aliasee, constSub)
	}
}

// mapConstant applies sub through nested constant aggregates and constant
// expressions, mutating expression operands in place.
func mapConstant(c constant.Constant, sub func(constant.Constant) constant.Constant) constant.Constant {
	if mapped := sub(c); mapped != c {
		return mapped
	}
	switch x := c.(type) {
	case *constant.Struct:
		for i, f := range x.Fields {
			x.Fields[i] = mapConstant(f, sub)
		}
	case *constant.Array:
		for i, e := range x.Elems {
			x.Elems[i] = mapConstant(e, sub)
		}
	case *constant.Vector:
		for i, e := range x.Elems {
			x.Elems[i] = mapConstant(e, sub)
		}
	case *constant.ExprBitCast:
		x.From = mapConstant(x.From, sub)
	case *constant.ExprPtrToInt:
		x.From = mapConstant(x.From, sub)
	case *constant.ExprIntToPtr:
		x.From = mapConstant(x.From, sub)
	case *constant.ExprAddrSpaceCast:
		x.From = mapConstant(x.From, sub)
	case *constant.ExprGetElementPtr:
		x.Src = mapConstant(x.Src, sub)
	}
	return c
}

// Refers reports whether v is target or a constant aggregate or constant
// expression containing target.
func Refers(v, target value.Value) bool {
	if v == target {
		return true
	}
	c, ok := v.(constant.Constant)
	if !ok {
		return false
	}
	found := false
	mapConstant(c, func(k constant.Constant) constant.Constant {
		if k == target {
			found = true
		}
		return k
	})
	return found
}

// ReplaceUsesIn rewrites references to old with new inside a single
// instruction or terminator, including references buried in constant
// expression operands when new is itself a constant.
func ReplaceUsesIn(site any, old, new value.Value) {
	newConst, isConst := new.(constant.Constant)
	sub := func(v value.Value) value.Value {
		if v == old {
			return new
		}
		if c, ok := v.(constant.Constant); ok && isConst {
			return mapConstant(c, func(k constant.Constant) constant.Constant {
				if k == old {
					return newConst
				}
				return k
			})
		}
		return v
	}
	switch s := site.(type) {
	case ir.Instruction:
		mapInstOperands(s, sub)
	case ir.Terminator:
		mapTermOperands(s, sub)
	default:
		log.Panicf("irutil: cannot replace uses in %T", site)
	}
}

// InstRefers reports whether any operand of inst refers to target, looking
// through constant expressions.
func InstRefers(inst ir.Instruction, target value.Value) bool {
	found := false
	mapInstOperands(inst, func(v value.Value) value.Value {
		if Refers(v, target) {
			found = true
		}
		return v
	})
	return found
}

// TermRefers reports whether any operand of term refers to target, looking
// through constant expressions.
func TermRefers(term ir.Terminator, target value.Value) bool {
	found := false
	mapTermOperands(term, func(v value.Value) value.Value {
		if Refers(v, target) {
			found = true
		}
		return v
	})
	return found
}

// NumUses counts the operand slots in m referring to v, looking through
// constant expressions. The tagger's cleanup asserts this reaches zero
// before deleting an original symbol.
func NumUses(m *ir.Module, v value.Value) int {
	n := 0
	count := func(op value.Value) value.Value {
		if Refers(op, v) {
			n++
		}
		return op
	}
	for _, f := range m.Funcs {
		MapOperands(f, count)
	}
	countConst := func(c constant.Constant) constant.Constant {
		if c == v {
			n++
		}
		return c
	}
	for _, g := range m.Globals {
		if g.Init != nil {
			mapConstant(g.Init, countConst)
		}
	}
	for _, a := range m.Aliases {
		mapConstant(a.Aliasee, countConst)
	}
	return n
}

// VisitOperands applies visit to every operand slot of a single instruction
// or terminator without modifying it.
func VisitOperands(site any, visit func(value.Value)) {
	sub := func(v value.Value) value.Value {
		visit(v)
		return v
	}
	switch s := site.(type) {
	case ir.Instruction:
		mapInstOperands(s, sub)
	case ir.Terminator:
		mapTermOperands(s, sub)
	default:
		log.Panicf("irutil: cannot visit operands of %T", site)
	}
}

// ReplaceUsesInConst rewrites references to old with new inside a constant,
// returning the rewritten constant. Used for global initializers and
// aliasees, which ReplaceUsesIn cannot reach.
func ReplaceUsesInConst(c constant.Constant, old value.Value, new constant.Constant) constant.Constant {
	return mapConstant(c, func(k constant.Constant) constant.Constant {
		if k == old {
			return new
		}
		return k
	})
}
