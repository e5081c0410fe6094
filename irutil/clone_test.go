package irutil

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wrapperModule = `
declare i8* @malloc(i64)

define i8* @wrap(i64 %n, i1 %big) {
entry:
	br i1 %big, label %double, label %plain

double:
	%n2 = mul i64 %n, 2
	br label %plain

plain:
	%size = phi i64 [ %n2, %double ], [ %n, %entry ]
	%p = call i8* @malloc(i64 %size)
	ret i8* %p
}
`

func TestCloneBodyRemapsParams(t *testing.T) {
	m := parseModule(t, wrapperModule)
	src := FindFunc(m, "wrap")
	require.NotNil(t, src)

	tag := ir.NewParam("tag", types.I16)
	n := ir.NewParam("n", types.I64)
	big := ir.NewParam("big", types.I1)
	dst := m.NewFunc("__tagged_wrap", types.NewPointer(types.I8), tag, n, big)

	vmap := ValueMap{}
	for i, p := range src.Params {
		vmap[p] = dst.Params[i+1]
	}
	CloneBody(dst, src, vmap)

	require.Len(t, dst.Blocks, 3)
	require.Len(t, dst.Blocks[0].Insts, 0)

	// The conditional branch uses the cloned parameter, not the original.
	condbr, ok := dst.Blocks[0].Term.(*ir.TermCondBr)
	require.True(t, ok)
	assert.Same(t, big, condbr.Cond)
	assert.Same(t, dst.Blocks[1], condbr.TargetTrue)
	assert.Same(t, dst.Blocks[2], condbr.TargetFalse)

	mul, ok := dst.Blocks[1].Insts[0].(*ir.InstMul)
	require.True(t, ok)
	assert.Same(t, n, mul.X)

	phi, ok := dst.Blocks[2].Insts[0].(*ir.InstPhi)
	require.True(t, ok)
	require.Len(t, phi.Incs, 2)
	assert.Same(t, mul, phi.Incs[0].X)
	assert.Same(t, dst.Blocks[1], phi.Incs[0].Pred)
	assert.Same(t, n, phi.Incs[1].X)

	call, ok := dst.Blocks[2].Insts[1].(*ir.InstCall)
	require.True(t, ok)
	assert.Same(t, phi, call.Args[0])
	// Module-level symbols carry over unmapped.
	callee, ok := call.Callee.(*ir.Func)
	require.True(t, ok)
	assert.Equal(t, "malloc", callee.Name())

	ret, ok := dst.Blocks[2].Term.(*ir.TermRet)
	require.True(t, ok)
	assert.Same(t, call, ret.X)

	// The source body is untouched.
	srcCall := src.Blocks[2].Insts[1].(*ir.InstCall)
	assert.Same(t, src.Params[0], src.Blocks[2].Insts[0].(*ir.InstPhi).Incs[1].X)
	assert.NotSame(t, call, srcCall)
}

func TestReplaceAllUses(t *testing.T) {
	m := parseModule(t, `
declare i8* @malloc(i64)

@alloc_fn = global i8* (i64)* @malloc

define i8* @f(i64 %n) {
entry:
	%p = call i8* @malloc(i64 %n)
	ret i8* %p
}
`)
	malloc := FindFunc(m, "malloc")
	require.NotNil(t, malloc)
	require.Equal(t, 2, NumUses(m, malloc))

	repl := m.NewFunc("__tagged_malloc", types.NewPointer(types.I8), ir.NewParam("", types.I16), ir.NewParam("", types.I64))
	ReplaceAllUses(m, malloc, repl)

	assert.Equal(t, 0, NumUses(m, malloc))
	assert.Equal(t, 2, NumUses(m, repl))

	call := m.Funcs[1].Blocks[0].Insts[0].(*ir.InstCall)
	assert.Same(t, repl, call.Callee)
	g := FindGlobal(m, "alloc_fn")
	require.NotNil(t, g)
	assert.Same(t, repl, g.Init)
}

func TestNumUsesCountsInitializers(t *testing.T) {
	m := parseModule(t, `
declare i8* @malloc(i64)

@direct = global i8* (i64)* @malloc
@cast = global i8* bitcast (i8* (i64)* @malloc to i8*)
`)
	malloc := FindFunc(m, "malloc")
	require.NotNil(t, malloc)
	assert.Equal(t, 2, NumUses(m, malloc))
}
