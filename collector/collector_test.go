package collector

import (
	"strings"
	"testing"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ufwt/datAFLow-sub000/irutil"
	"github.com/ufwt/datAFLow-sub000/taglog"
	"github.com/ufwt/datAFLow-sub000/whitelist"
)

const allocModule = `
%struct.alloc_ops = type { i8* (i64)*, i32 }

@alloc_fn = global i8* (i64)* @malloc
@ops = global %struct.alloc_ops zeroinitializer
@malloc_alias = alias i8* (i64), i8* (i64)* @malloc

declare i8* @malloc(i64)

declare i8* @calloc(i64, i64)

define i8* @xmalloc(i64 %size) {
entry:
	%p = call i8* @malloc(i64 %size)
	ret i8* %p
}

define void @setup() {
entry:
	store i8* (i64)* @xmalloc, i8* (i64)** @alloc_fn, align 8
	%slot = getelementptr inbounds %struct.alloc_ops, %struct.alloc_ops* @ops, i64 0, i32 0
	store i8* (i64)* @xmalloc, i8* (i64)** %slot, align 8, !tbaa !0
	ret void
}

!0 = !{!1, !2, i64 0}
!1 = !{!"alloc_ops", !2, i64 0, !3, i64 8}
!2 = !{!"any pointer", !4}
!3 = !{!"int", !4}
!4 = !{!"omnipotent char"}
`

func parseModule(t *testing.T, src string) *ir.Module {
	t.Helper()
	m, err := asm.ParseString("test.ll", src)
	require.NoError(t, err)
	return m
}

func parseWhitelist(t *testing.T, src string) *whitelist.Whitelist {
	t.Helper()
	wl, err := whitelist.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return wl
}

func TestCollectAllKinds(t *testing.T) {
	m := parseModule(t, allocModule)
	wl := parseWhitelist(t, "[fuzzalloc]\nfun:xmalloc\n")

	sites := New(wl).Run(m)

	xm := irutil.FindFunc(m, "xmalloc")
	require.NotNil(t, xm)
	expected := []taglog.Site{
		taglog.FuncSite("malloc"),
		taglog.FuncSite("calloc"),
		taglog.FuncSite("xmalloc"),
		taglog.GlobalVariableSite("alloc_fn"),
		taglog.GlobalAliasSite("malloc_alias"),
		taglog.StructFieldSite("struct.alloc_ops", 0, "xmalloc", xm.Sig.String()),
	}
	assert.Equal(t, expected, sites)
	assert.NotEmpty(t, sites[5].TypeString)
}

func TestCollectNothingWithoutAllocators(t *testing.T) {
	m := parseModule(t, `
define i32 @main() {
entry:
	ret i32 0
}
`)
	sites := New(nil).Run(m)
	assert.Empty(t, sites)
}

func TestCollectIgnoresDirectCalls(t *testing.T) {
	m := parseModule(t, `
declare i8* @malloc(i64)

define i8* @grab(i64 %n) {
entry:
	%p = call i8* @malloc(i64 %n)
	ret i8* %p
}
`)
	sites := New(nil).Run(m)
	assert.Equal(t, []taglog.Site{taglog.FuncSite("malloc")}, sites)
}

func TestCollectUnsupportedUserPanics(t *testing.T) {
	m := parseModule(t, `
declare i8* @malloc(i64)

define i8* (i64)* @get_alloc() {
entry:
	ret i8* (i64)* @malloc
}
`)
	assert.Panics(t, func() { New(nil).Run(m) })
}

func TestCollectNonStructTBAAPanics(t *testing.T) {
	// Scalar access tags name no struct member, so the store target cannot
	// be recorded.
	m := parseModule(t, `
declare i8* @malloc(i64)

define void @stash(i8* (i64)** %slot) {
entry:
	store i8* (i64)* @malloc, i8* (i64)** %slot, align 8, !tbaa !0
	ret void
}

!0 = !{!1, !1, i64 0}
!1 = !{!"any pointer", !2}
!2 = !{!"omnipotent char"}
`)
	assert.Panics(t, func() { New(nil).Run(m) })
}

const dedupModule = `
%struct.alloc_ops = type { i8* (i64)* }

@ops = global %struct.alloc_ops zeroinitializer

declare i8* @malloc(i64)

define i8* @xmalloc(i64 %size) {
entry:
	%p = call i8* @malloc(i64 %size)
	ret i8* %p
}

define void @setup() {
entry:
	%a = getelementptr inbounds %struct.alloc_ops, %struct.alloc_ops* @ops, i64 0, i32 0
	store i8* (i64)* @malloc, i8* (i64)** %a, align 8, !tbaa !0
	%b = getelementptr inbounds %struct.alloc_ops, %struct.alloc_ops* @ops, i64 0, i32 0
	store i8* (i64)* @xmalloc, i8* (i64)** %b, align 8, !tbaa !0
	ret void
}

!0 = !{!1, !2, i64 0}
!1 = !{!"alloc_ops", !2, i64 0}
!2 = !{!"any pointer", !3}
!3 = !{!"omnipotent char"}
`

func TestCollectDedupsStructFields(t *testing.T) {
	m := parseModule(t, dedupModule)
	wl := parseWhitelist(t, "[fuzzalloc]\nfun:xmalloc\n")

	sites := New(wl).Run(m)

	mallocF := irutil.FindFunc(m, "malloc")
	require.NotNil(t, mallocF)
	// Both stores target the same field; the record keeps the function seen
	// first, and seeds are scanned in standard-then-whitelisted order.
	expected := []taglog.Site{
		taglog.FuncSite("malloc"),
		taglog.FuncSite("xmalloc"),
		taglog.StructFieldSite("struct.alloc_ops", 0, "malloc", mallocF.Sig.String()),
	}
	assert.Equal(t, expected, sites)
}

func TestCollectRunResetsState(t *testing.T) {
	m := parseModule(t, allocModule)
	wl := parseWhitelist(t, "[fuzzalloc]\nfun:xmalloc\n")

	p := New(wl)
	first := p.Run(m)
	second := p.Run(m)
	assert.Equal(t, first, second)
}
