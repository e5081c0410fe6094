package instrument

import (
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	log "github.com/sirupsen/logrus"

	"github.com/ufwt/datAFLow-sub000/irutil"
)

// Masked vector loads and stores arrive as intrinsic calls. The base pointer,
// alignment and mask sit at fixed argument positions, shifted by one for
// stores because the stored value comes first.
const (
	maskedLoadPrefix  = "llvm.masked.load."
	maskedStorePrefix = "llvm.masked.store."
)

// access describes one instrumentable memory operation: the address it
// touches, the direction, the store size of the accessed type in bits, the
// declared alignment, and the mask operand for masked vector accesses.
type access struct {
	ptr      value.Value
	isWrite  bool
	sizeBits int64
	align    uint64
	mask     value.Value
}

// interestingAccess classifies inst. It returns nil for instructions that are
// not memory accesses, for access kinds whose instrumentation toggle is off,
// and for accesses that can never carry a tag: non-default address spaces,
// swifterror values and register-promotable stack slots.
func (p *Pass) interestingAccess(f *ir.Func, inst ir.Instruction) *access {
	var a access
	switch x := inst.(type) {
	case *ir.InstLoad:
		if !p.Reads {
			return nil
		}
		a = access{ptr: x.Src, sizeBits: storeSizeBits(x.ElemType), align: uint64(x.Align)}
	case *ir.InstStore:
		if !p.Writes {
			return nil
		}
		a = access{ptr: x.Dst, isWrite: true, sizeBits: storeSizeBits(x.Src.Type()), align: uint64(x.Align)}
	case *ir.InstAtomicRMW:
		if !p.Atomics {
			return nil
		}
		a = access{ptr: x.Dst, isWrite: true, sizeBits: storeSizeBits(x.X.Type())}
	case *ir.InstCmpXchg:
		if !p.Atomics {
			return nil
		}
		a = access{ptr: x.Ptr, isWrite: true, sizeBits: storeSizeBits(x.Cmp.Type())}
	case *ir.InstCall:
		if !p.maskedAccess(x, &a) {
			return nil
		}
	default:
		return nil
	}

	ptrTy := a.ptr.Type()
	if vt, ok := ptrTy.(*types.VectorType); ok {
		ptrTy = vt.ElemType
	}
	pt, ok := ptrTy.(*types.PointerType)
	if !ok {
		return nil
	}
	// Tags live in the upper bits of default address space pointers only.
	if pt.AddrSpace != 0 {
		return nil
	}
	if irutil.IsSwiftError(a.ptr) {
		return nil
	}
	if ai, ok := a.ptr.(*ir.InstAlloca); ok && !interestingAlloca(f, ai) {
		return nil
	}
	return &a
}

// maskedAccess fills a from a masked vector load or store intrinsic call.
// It reports false for any other call.
func (p *Pass) maskedAccess(call *ir.InstCall, a *access) bool {
	callee, ok := call.Callee.(*ir.Func)
	if !ok {
		return false
	}
	argOffset := 0
	switch {
	case strings.HasPrefix(callee.Name(), maskedLoadPrefix):
		if !p.Reads {
			return false
		}
	case strings.HasPrefix(callee.Name(), maskedStorePrefix):
		if !p.Writes {
			return false
		}
		// The stored value precedes the pointer.
		argOffset = 1
		a.isWrite = true
	default:
		return false
	}
	if len(call.Args) < argOffset+3 {
		log.Panicf("instrument: malformed masked intrinsic call to %s", callee.Name())
	}
	a.ptr = call.Args[argOffset]
	a.mask = call.Args[argOffset+2]
	pt, ok := a.ptr.Type().(*types.PointerType)
	if !ok {
		return false
	}
	a.sizeBits = storeSizeBits(pt.ElemType)
	if c, ok := call.Args[argOffset+1].(*constant.Int); ok {
		a.align = c.X.Uint64()
	} else {
		a.align = 1
	}
	return true
}

func storeSizeBits(t types.Type) int64 {
	size, err := irutil.SizeOf(t)
	if err != nil {
		log.Panicf("instrument: access to unsized type %v", t)
	}
	return size * 8
}

// interestingAlloca reports whether accesses to the stack slot ai can fault.
// Zero-sized slots, inalloca and swifterror slots, and slots promotable to
// registers cannot.
func interestingAlloca(f *ir.Func, ai *ir.InstAlloca) bool {
	if ai.InAlloca || ai.SwiftError {
		return false
	}
	size, known := allocaSizeInBytes(ai)
	if !known {
		// Unsized element type, nothing to access.
		if _, err := irutil.SizeOf(ai.ElemType); err != nil {
			return false
		}
	} else if size == 0 {
		return false
	}
	return !promotableAlloca(f, ai)
}

// allocaSizeInBytes returns the static total size of ai. known is false when
// the element type has no static layout or the element count is not a
// constant.
func allocaSizeInBytes(ai *ir.InstAlloca) (size int64, known bool) {
	size, err := irutil.SizeOf(ai.ElemType)
	if err != nil {
		return 0, false
	}
	if ai.NElems != nil {
		n, ok := ai.NElems.(*constant.Int)
		if !ok {
			return 0, false
		}
		size *= n.X.Int64()
	}
	return size, true
}

// promotableAlloca reports whether every use of ai in f is a direct,
// non-volatile load or store of the allocated type. mem2reg turns such slots
// into SSA values, so accesses to them never reach the heap.
func promotableAlloca(f *ir.Func, ai *ir.InstAlloca) bool {
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			switch x := inst.(type) {
			case *ir.InstLoad:
				if x.Src == ai && (x.Volatile || !types.Equal(x.ElemType, ai.ElemType)) {
					return false
				}
			case *ir.InstStore:
				if x.Src == ai {
					// The slot address escapes.
					return false
				}
				if x.Dst == ai && (x.Volatile || !types.Equal(x.Src.Type(), ai.ElemType)) {
					return false
				}
			default:
				if inst != ai && irutil.InstRefers(inst, ai) {
					return false
				}
			}
		}
		if irutil.TermRefers(block.Term, ai) {
			return false
		}
	}
	return true
}

// safeAccess reports whether a is a provably in-bounds access to the stack
// slot ai: the address must resolve to ai plus a non-negative constant offset
// with the slot's static size covering every accessed byte. Accesses whose
// offset or slot size cannot be determined are not safe.
func safeAccess(ai *ir.InstAlloca, a *access) bool {
	base, off, ok := irutil.PointerBaseWithConstOffset(a.ptr)
	if !ok || base != ai {
		return false
	}
	size, known := allocaSizeInBytes(ai)
	if !known {
		return false
	}
	return off >= 0 && size >= off && size-off >= a.sizeBits/8
}

// clearsSeenAddrs reports whether inst is a call that may write memory
// visible through an already instrumented address. Debug, lifetime and
// assumption intrinsics never touch program memory, and the memory
// intrinsics move bytes the pass reasons about separately, so neither
// invalidates block-local dedup state. An indirect call is assumed to write.
func clearsSeenAddrs(inst ir.Instruction) bool {
	call, ok := inst.(*ir.InstCall)
	if !ok {
		return false
	}
	callee, ok := irutil.StripPointerCasts(call.Callee).(*ir.Func)
	if !ok {
		return true
	}
	name := callee.Name()
	for _, prefix := range []string{"llvm.dbg.", "llvm.lifetime.", "llvm.assume", "llvm.mem"} {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	for _, attr := range callee.FuncAttrs {
		if fa, ok := attr.(enum.FuncAttr); ok && fa == enum.FuncAttrReadNone {
			return false
		}
	}
	return true
}
