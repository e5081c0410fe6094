package instrument

import (
	"testing"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ufwt/datAFLow-sub000/fuzzalloc"
	"github.com/ufwt/datAFLow-sub000/irutil"
	"github.com/ufwt/datAFLow-sub000/stats"
)

const rereadModule = `
declare void @sink(i8)

define void @reread(i8* %p) {
entry:
	%a = load i8, i8* %p
	%b = load i8, i8* %p
	call void @sink(i8 %a)
	%c = load i8, i8* %p
	ret void
}
`

const pureCallModule = `
declare i64 @pure(i64) readnone

define i8 @reread_pure(i8* %p) {
entry:
	%a = load i8, i8* %p
	%r = call i64 @pure(i64 1)
	%b = load i8, i8* %p
	ret i8 %b
}
`

const safeAllocaModule = `
define i32 @safe() {
entry:
	%buf = alloca [4 x i32]
	%slot = getelementptr inbounds [4 x i32], [4 x i32]* %buf, i64 0, i64 3
	%v = load i32, i32* %slot
	ret i32 %v
}
`

const oobAllocaModule = `
define i32 @oob() {
entry:
	%buf = alloca [4 x i32]
	%slot = getelementptr [4 x i32], [4 x i32]* %buf, i64 0, i64 4
	%v = load i32, i32* %slot
	ret i32 %v
}
`

const dynIndexModule = `
define i32 @dyn(i64 %i) {
entry:
	%buf = alloca [4 x i32]
	%slot = getelementptr inbounds [4 x i32], [4 x i32]* %buf, i64 0, i64 %i
	%v = load i32, i32* %slot
	ret i32 %v
}
`

const promotableModule = `
define i32 @spill(i32 %x) {
entry:
	%slot = alloca i32
	store i32 %x, i32* %slot
	%v = load i32, i32* %slot
	ret i32 %v
}
`

const storeModule = `
define void @put(i8* %p, i8 %v) {
entry:
	store i8 %v, i8* %p
	ret void
}
`

const atomicModule = `
define i64 @bump(i64* %p) {
entry:
	%old = atomicrmw add i64* %p, i64 1 seq_cst
	ret i64 %old
}

define i64 @swap(i64* %p) {
entry:
	%pair = cmpxchg i64* %p, i64 0, i64 1 seq_cst seq_cst
	%v = extractvalue { i64, i1 } %pair, 0
	ret i64 %v
}
`

const maskedModule = `
declare <4 x i32> @llvm.masked.load.v4i32.p0v4i32(<4 x i32>*, i32, <4 x i1>, <4 x i32>)

define void @masked_twice(<4 x i32>* %p, <4 x i1> %m, <4 x i32> %pt) {
entry:
	%a = call <4 x i32> @llvm.masked.load.v4i32.p0v4i32(<4 x i32>* %p, i32 4, <4 x i1> %m, <4 x i32> %pt)
	%b = call <4 x i32> @llvm.masked.load.v4i32.p0v4i32(<4 x i32>* %p, i32 4, <4 x i1> %m, <4 x i32> %pt)
	ret void
}

define void @whole_then_masked(<4 x i32>* %p, <4 x i1> %m, <4 x i32> %pt) {
entry:
	%a = load <4 x i32>, <4 x i32>* %p
	%b = call <4 x i32> @llvm.masked.load.v4i32.p0v4i32(<4 x i32>* %p, i32 4, <4 x i1> %m, <4 x i32> %pt)
	ret void
}
`

const noInstMarkModule = `
define i8 @skipped(i8* %p) {
entry:
	%v = load i8, i8* %p, !fuzzalloc.no_instrument !0
	ret i8 %v
}

!0 = !{}
`

const loadOnceModule = `
define i8 @get(i8* %p) {
entry:
	%v = load i8, i8* %p
	ret i8 %v
}
`

const noAccessModule = `
define void @idle() {
entry:
	ret void
}
`

func parseModule(t *testing.T, src string) *ir.Module {
	t.Helper()
	m, err := asm.ParseString("test.ll", src)
	require.NoError(t, err)
	return m
}

func funcByName(t *testing.T, m *ir.Module, name string) *ir.Func {
	t.Helper()
	f := irutil.FindFunc(m, name)
	require.NotNil(t, f, "no function @%s", name)
	return f
}

// derefCallsIn returns f's calls to the reporting hook in layout order.
func derefCallsIn(f *ir.Func) []*ir.InstCall {
	var calls []*ir.InstCall
	for _, b := range f.Blocks {
		for _, inst := range b.Insts {
			call, ok := inst.(*ir.InstCall)
			if !ok {
				continue
			}
			if callee, ok := call.Callee.(*ir.Func); ok && callee.Name() == fuzzalloc.PtrDerefName {
				calls = append(calls, call)
			}
		}
	}
	return calls
}

func namedInst(t *testing.T, f *ir.Func, name string) ir.Instruction {
	t.Helper()
	for _, b := range f.Blocks {
		for _, inst := range b.Insts {
			if n, ok := inst.(value.Named); ok && n.Name() == name {
				return inst
			}
		}
	}
	t.Fatalf("no instruction %%%s in %s", name, f.Name())
	return nil
}

func TestInstrumentExtractionSequence(t *testing.T) {
	m := parseModule(t, loadOnceModule)

	p := &Pass{Reads: true}
	require.True(t, p.Run(m))

	deref := irutil.FindFunc(m, fuzzalloc.PtrDerefName)
	require.NotNil(t, deref)
	assert.True(t, types.Equal(deref.Sig, types.NewFunc(types.Void, types.I16)))

	f := funcByName(t, m, "get")
	entry := f.Blocks[0]
	require.Len(t, entry.Insts, 6)

	ptrInt, ok := entry.Insts[0].(*ir.InstPtrToInt)
	require.True(t, ok)
	assert.Equal(t, value.Value(f.Params[0]), ptrInt.From)
	assert.True(t, irutil.HasMark(ptrInt, fuzzalloc.MDNoSanitize))

	shifted, ok := entry.Insts[1].(*ir.InstLShr)
	require.True(t, ok)
	assert.Equal(t, value.Value(ptrInt), shifted.X)
	shift, ok := shifted.Y.(*constant.Int)
	require.True(t, ok)
	assert.Equal(t, int64(fuzzalloc.TagShift), shift.X.Int64())

	masked, ok := entry.Insts[2].(*ir.InstAnd)
	require.True(t, ok)
	assert.Equal(t, value.Value(shifted), masked.X)
	mask, ok := masked.Y.(*constant.Int)
	require.True(t, ok)
	assert.Equal(t, int64(fuzzalloc.TagMask), mask.X.Int64())

	tag, ok := entry.Insts[3].(*ir.InstTrunc)
	require.True(t, ok)
	assert.Equal(t, value.Value(masked), tag.From)
	assert.True(t, types.Equal(tag.To, types.I16))

	report, ok := entry.Insts[4].(*ir.InstCall)
	require.True(t, ok)
	assert.Equal(t, value.Value(deref), report.Callee)
	require.Len(t, report.Args, 1)
	assert.Equal(t, value.Value(tag), report.Args[0])

	load, ok := entry.Insts[5].(*ir.InstLoad)
	require.True(t, ok)
	assert.True(t, irutil.HasMark(load, fuzzalloc.MDInstrumentedDeref))
}

func TestInstrumentDedupWithinBlock(t *testing.T) {
	m := parseModule(t, rereadModule)

	p := &Pass{Reads: true}
	require.True(t, p.Run(m))

	// The repeated load is skipped, but the call to sink may touch the
	// pointee, so the load after it is reported again.
	f := funcByName(t, m, "reread")
	require.Len(t, derefCallsIn(f), 2)
	assert.True(t, irutil.HasMark(namedInst(t, f, "a"), fuzzalloc.MDInstrumentedDeref))
	assert.False(t, irutil.HasMark(namedInst(t, f, "b"), fuzzalloc.MDInstrumentedDeref))
	assert.True(t, irutil.HasMark(namedInst(t, f, "c"), fuzzalloc.MDInstrumentedDeref))
}

func TestInstrumentReadnoneCallKeepsDedup(t *testing.T) {
	m := parseModule(t, pureCallModule)

	p := &Pass{Reads: true}
	require.True(t, p.Run(m))

	f := funcByName(t, m, "reread_pure")
	require.Len(t, derefCallsIn(f), 1)
	assert.True(t, irutil.HasMark(namedInst(t, f, "a"), fuzzalloc.MDInstrumentedDeref))
	assert.False(t, irutil.HasMark(namedInst(t, f, "b"), fuzzalloc.MDInstrumentedDeref))
}

func TestInstrumentSafeStackAccessSkipped(t *testing.T) {
	m := parseModule(t, safeAllocaModule)

	p := &Pass{Reads: true, Writes: true}
	assert.False(t, p.Run(m))

	assert.Empty(t, derefCallsIn(funcByName(t, m, "safe")))
}

func TestInstrumentOutOfBoundsStackAccess(t *testing.T) {
	m := parseModule(t, oobAllocaModule)

	p := &Pass{Reads: true, Writes: true}
	require.True(t, p.Run(m))

	assert.Len(t, derefCallsIn(funcByName(t, m, "oob")), 1)
}

func TestInstrumentUnresolvableOffsetInstrumented(t *testing.T) {
	m := parseModule(t, dynIndexModule)

	p := &Pass{Reads: true, Writes: true}
	require.True(t, p.Run(m))

	assert.Len(t, derefCallsIn(funcByName(t, m, "dyn")), 1)
}

func TestInstrumentPromotableAllocaSkipped(t *testing.T) {
	m := parseModule(t, promotableModule)

	p := &Pass{Reads: true, Writes: true}
	assert.False(t, p.Run(m))

	assert.Empty(t, derefCallsIn(funcByName(t, m, "spill")))
}

func TestInstrumentWriteToggle(t *testing.T) {
	m := parseModule(t, storeModule)
	p := &Pass{Reads: true}
	assert.False(t, p.Run(m))
	assert.Empty(t, derefCallsIn(funcByName(t, m, "put")))

	m = parseModule(t, storeModule)
	p = &Pass{Writes: true}
	require.True(t, p.Run(m))
	f := funcByName(t, m, "put")
	require.Len(t, derefCallsIn(f), 1)
	store, ok := f.Blocks[0].Insts[len(f.Blocks[0].Insts)-1].(*ir.InstStore)
	require.True(t, ok)
	assert.True(t, irutil.HasMark(store, fuzzalloc.MDInstrumentedDeref))
}

func TestInstrumentAtomicsToggle(t *testing.T) {
	m := parseModule(t, atomicModule)
	p := &Pass{Reads: true, Writes: true}
	assert.False(t, p.Run(m))
	assert.Empty(t, derefCallsIn(funcByName(t, m, "bump")))
	assert.Empty(t, derefCallsIn(funcByName(t, m, "swap")))

	m = parseModule(t, atomicModule)
	p = &Pass{Reads: true, Writes: true, Atomics: true}
	require.True(t, p.Run(m))
	assert.Len(t, derefCallsIn(funcByName(t, m, "bump")), 1)
	assert.Len(t, derefCallsIn(funcByName(t, m, "swap")), 1)
}

func TestInstrumentMaskedLoads(t *testing.T) {
	m := parseModule(t, maskedModule)

	p := &Pass{Reads: true}
	require.True(t, p.Run(m))

	// Masked accesses never claim the address, so a second masked load is
	// reported again; a preceding whole-object load does claim it.
	assert.Len(t, derefCallsIn(funcByName(t, m, "masked_twice")), 2)
	assert.Len(t, derefCallsIn(funcByName(t, m, "whole_then_masked")), 1)
}

func TestInstrumentSkipsMarkedInstructions(t *testing.T) {
	m := parseModule(t, noInstMarkModule)

	p := &Pass{Reads: true}
	assert.False(t, p.Run(m))

	assert.Empty(t, derefCallsIn(funcByName(t, m, "skipped")))
}

func TestInstrumentNoAccessesDeclaresHookOnly(t *testing.T) {
	m := parseModule(t, noAccessModule)

	p := &Pass{Reads: true, Writes: true}
	assert.False(t, p.Run(m))

	assert.NotNil(t, irutil.FindFunc(m, fuzzalloc.PtrDerefName))
}

func TestInstrumentStatsCounters(t *testing.T) {
	stats.CollectStats = true
	stats.Reset()
	t.Cleanup(func() {
		stats.CollectStats = false
		stats.Reset()
	})

	p := &Pass{Reads: true}
	p.Run(parseModule(t, rereadModule))
	assert.Equal(t, 2, stats.GetStat(stats.NInstrumentedReads))
	assert.Equal(t, 1, stats.GetStat(stats.NDedupedAccesses))

	stats.Reset()
	p = &Pass{Reads: true, Writes: true}
	p.Run(parseModule(t, safeAllocaModule))
	assert.Equal(t, 1, stats.GetStat(stats.NSafeAccesses))
	assert.Equal(t, 0, stats.GetStat(stats.NInstrumentedReads))

	stats.Reset()
	p = &Pass{Writes: true}
	p.Run(parseModule(t, storeModule))
	assert.Equal(t, 1, stats.GetStat(stats.NInstrumentedWrites))

	stats.Reset()
	p = &Pass{Reads: true, Writes: true, Atomics: true}
	p.Run(parseModule(t, atomicModule))
	assert.Equal(t, 2, stats.GetStat(stats.NInstrumentedAtomics))
}
