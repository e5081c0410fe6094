// Package instrument implements the pointer dereference instrumentation
// pass. Every load, store and atomic access whose safety cannot be proven
// at compile time gains a call to the runtime reporting hook carrying the
// allocation tag extracted from the accessed pointer's upper address bits,
// letting the fuzzer pair allocation sites with the dereferences that reach
// them.
package instrument

import (
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	log "github.com/sirupsen/logrus"

	"github.com/ufwt/datAFLow-sub000/fuzzalloc"
	"github.com/ufwt/datAFLow-sub000/irutil"
	"github.com/ufwt/datAFLow-sub000/stats"
)

// Pass instruments memory accesses so the compiled program reports, at each
// dereference, the tag of the allocation that produced the accessed pointer.
// At least one of Reads and Writes must be enabled.
type Pass struct {
	Reads   bool
	Writes  bool
	Atomics bool

	derefF  *ir.Func
	changed bool
}

// site is one access selected for instrumentation.
type site struct {
	block *ir.Block
	inst  ir.Instruction
	acc   *access
}

// Run instruments every interesting access in m and reports whether the
// module changed.
func (p *Pass) Run(m *ir.Module) bool {
	if !p.Reads && !p.Writes {
		log.Fatalf("instrument: reads and writes both disabled, nothing to instrument")
	}
	p.changed = false
	p.derefF = irutil.DeclareRuntimeFunc(m, fuzzalloc.PtrDerefName,
		types.NewFunc(types.Void, types.I16))

	for _, f := range m.Funcs {
		p.runOnFunc(m, f)
	}
	return p.changed
}

func (p *Pass) runOnFunc(m *ir.Module, f *ir.Func) {
	// Runtime glue generated by the companion passes is not user code.
	if strings.HasPrefix(f.Name(), "fuzzalloc.") {
		return
	}

	var toInstrument []site
	for _, block := range f.Blocks {
		// Each address is instrumented once per block unless a call that
		// may access memory intervenes.
		seen := make(map[value.Value]bool)
		for _, inst := range block.Insts {
			acc := p.interestingAccess(f, inst)
			if acc == nil {
				if clearsSeenAddrs(inst) {
					seen = make(map[value.Value]bool)
				}
				continue
			}
			obj := irutil.UnderlyingObject(acc.ptr, irutil.MaxUnderlyingLookups)
			if seen[obj] {
				stats.IncStat(stats.NDedupedAccesses)
				continue
			}
			// A masked access never claims the whole object: a later access
			// under a different mask still needs its own report.
			if acc.mask == nil {
				seen[obj] = true
			}
			if irutil.HasMark(inst, fuzzalloc.MDNoInstrument) {
				continue
			}
			toInstrument = append(toInstrument, site{block: block, inst: inst, acc: acc})
		}
	}

	for _, s := range toInstrument {
		obj := irutil.UnderlyingObject(s.acc.ptr, irutil.MaxUnderlyingLookups)
		if ai, ok := obj.(*ir.InstAlloca); ok && safeAccess(ai, s.acc) {
			stats.IncStat(stats.NSafeAccesses)
			continue
		}
		p.instrumentDeref(m, s)
	}
}

// instrumentDeref inserts the tag extraction sequence and the reporting call
// in front of the access: cast the address to an integer, shift and mask it
// down to the tag bits, and hand the result to the runtime hook.
func (p *Pass) instrumentDeref(m *ir.Module, s site) {
	irutil.MarkInst(m, s.inst, fuzzalloc.MDInstrumentedDeref)

	ptrInt := ir.NewPtrToInt(s.acc.ptr, types.I64)
	irutil.MarkInst(m, ptrInt, fuzzalloc.MDNoSanitize)
	shifted := ir.NewLShr(ptrInt, constant.NewInt(types.I64, fuzzalloc.TagShift))
	masked := ir.NewAnd(shifted, constant.NewInt(types.I64, fuzzalloc.TagMask))
	tag := ir.NewTrunc(masked, types.I16)
	report := ir.NewCall(p.derefF, tag)
	irutil.InsertBefore(s.block, s.inst, ptrInt, shifted, masked, tag, report)

	switch s.inst.(type) {
	case *ir.InstAtomicRMW, *ir.InstCmpXchg:
		stats.IncStat(stats.NInstrumentedAtomics)
	default:
		if s.acc.isWrite {
			stats.IncStat(stats.NInstrumentedWrites)
		} else {
			stats.IncStat(stats.NInstrumentedReads)
		}
	}
	p.changed = true
}
