// Package tagger implements the transformation stage of the allocation-site
// tagging pipeline. It rewrites calls to malloc, calloc and realloc into
// calls to the runtime's tagged allocators with a call-site tag prepended to
// the argument list, clones allocation wrapper functions into __tagged_
// siblings that accept the tag as an extra first parameter and pass it
// through, and retargets global variables, aliases and struct fields holding
// allocation function pointers at the tagged versions. Indirect calls
// through recorded struct fields are resolved against the tag-site log.
// Once every use has been rewritten the original symbols are deleted.
package tagger

import (
	"math/rand"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	log "github.com/sirupsen/logrus"

	"github.com/ufwt/datAFLow-sub000/fuzzalloc"
	"github.com/ufwt/datAFLow-sub000/irutil"
	"github.com/ufwt/datAFLow-sub000/stats"
	"github.com/ufwt/datAFLow-sub000/taglog"
	"github.com/ufwt/datAFLow-sub000/whitelist"
)

// Pass rewrites one module's allocation sites. A Pass is single-use per
// module; the driver builds one per compilation unit so that concurrent
// units do not share tag state.
type Pass struct {
	wl    *whitelist.Whitelist
	sites []taglog.Site

	rng      *rand.Rand
	usedTags map[fuzzalloc.Tag]bool

	abortF *ir.Func

	// tagged maps a rewritten function to the index of its tag parameter.
	// Membership is what marks a function as tagged; calls made inside a
	// tagged function forward that parameter instead of drawing a new tag.
	tagged map[*ir.Func]int

	funcsToTag []*ir.Func
	funcSet    map[*ir.Func]bool
	gvsToTag   []*ir.Global
	gvSet      map[*ir.Global]bool
	gasToTag   []*ir.Alias
	gaSet      map[*ir.Alias]bool

	// fields maps a recorded struct field to the allocation function stored
	// there, for resolving indirect calls.
	fields map[fieldKey]funcDesc

	taggedGVs map[*ir.Global]*ir.Global
	taggedGAs map[*ir.Alias]*ir.Alias

	changed bool
}

// fieldKey identifies a struct field by the innermost struct's type name and
// the field index within it, mirroring the struct log records.
type fieldKey struct {
	structName string
	index      int
}

// funcDesc names an allocation function stored into a struct field, with
// its printed type for cross-unit sanity checking.
type funcDesc struct {
	name       string
	typeString string
}

// use is one snapshotted reference to a value: the instruction or
// terminator holding the reference and where it lives.
type use struct {
	fn    *ir.Func
	block *ir.Block
	site  any
}

// New returns a tagger pass replaying the given tag sites. wl may be nil.
// seed drives tag generation; distinct units want distinct seeds.
func New(wl *whitelist.Whitelist, sites []taglog.Site, seed int64) *Pass {
	return &Pass{
		wl:       wl,
		sites:    sites,
		rng:      rand.New(rand.NewSource(seed)),
		usedTags: make(map[fuzzalloc.Tag]bool),
	}
}

// Run rewrites m's allocation sites and reports whether anything changed.
func (p *Pass) Run(m *ir.Module) bool {
	p.changed = false
	p.usedTags = make(map[fuzzalloc.Tag]bool)
	p.tagged = make(map[*ir.Func]int)
	p.funcsToTag = nil
	p.funcSet = make(map[*ir.Func]bool)
	p.gvsToTag = nil
	p.gvSet = make(map[*ir.Global]bool)
	p.gasToTag = nil
	p.gaSet = make(map[*ir.Alias]bool)
	p.fields = make(map[fieldKey]funcDesc)
	p.taggedGVs = make(map[*ir.Global]*ir.Global)
	p.taggedGAs = make(map[*ir.Alias]*ir.Alias)

	p.declareRuntimeFuncs(m)

	// Functions rewritten by an earlier invocation already carry their tag
	// as the first parameter.
	for _, f := range m.Funcs {
		if strings.HasPrefix(f.Name(), fuzzalloc.TaggedPrefix) {
			p.tagged[f] = 0
		}
	}

	p.collectTagSites(m)

	// Clone the custom allocation wrappers first so that the allocation
	// calls inside their bodies are rewritten along with everyone else's.
	for _, f := range p.funcsToTag {
		if p.isCustomAllocFunc(f) {
			p.tagFunction(m, f)
		}
	}
	for _, f := range p.funcsToTag {
		p.tagUsers(m, f)
	}
	for _, gv := range p.gvsToTag {
		p.tagGlobalVariable(m, gv)
	}
	for _, ga := range p.gasToTag {
		p.tagGlobalAlias(m, ga)
	}
	p.tagIndirectCalls(m)

	p.cleanup(m)
	return p.changed
}

// declareRuntimeFuncs declares the tagged allocators and the abort hook up
// front so that any conflicting declaration in the module stops the build
// before rewriting starts.
func (p *Pass) declareRuntimeFuncs(m *ir.Module) {
	i8Ptr := types.NewPointer(types.I8)
	tagTy := types.I16
	sizeTy := types.I64

	irutil.DeclareRuntimeFunc(m, fuzzalloc.TaggedMallocName,
		types.NewFunc(i8Ptr, tagTy, sizeTy))
	irutil.DeclareRuntimeFunc(m, fuzzalloc.TaggedCallocName,
		types.NewFunc(i8Ptr, tagTy, sizeTy, sizeTy))
	irutil.DeclareRuntimeFunc(m, fuzzalloc.TaggedReallocName,
		types.NewFunc(i8Ptr, tagTy, i8Ptr, sizeTy))

	p.abortF = irutil.GetOrInsertFunc(m, fuzzalloc.AbortName, types.NewFunc(types.Void))
	if !types.Equal(p.abortF.Sig, types.NewFunc(types.Void)) {
		log.Fatalf("tagger: %s redeclared as %v", fuzzalloc.AbortName, p.abortF.Sig)
	}
	addFuncAttr(p.abortF, enum.FuncAttrNoReturn)
	addFuncAttr(p.abortF, enum.FuncAttrNoUnwind)
}

func addFuncAttr(f *ir.Func, attr enum.FuncAttr) {
	for _, a := range f.FuncAttrs {
		if fa, ok := a.(enum.FuncAttr); ok && fa == attr {
			return
		}
	}
	f.FuncAttrs = append(f.FuncAttrs, attr)
}

// collectTagSites seeds the rewrite sets from the standard allocation
// functions present in the module, the allow-list, and the tag-site log.
// Log entries naming symbols or struct types absent from this module are
// skipped; they belong to other compilation units.
func (p *Pass) collectTagSites(m *ir.Module) {
	p.addFunc(irutil.FindFunc(m, fuzzalloc.MallocName))
	p.addFunc(irutil.FindFunc(m, fuzzalloc.CallocName))
	p.addFunc(irutil.FindFunc(m, fuzzalloc.ReallocName))

	for _, f := range m.Funcs {
		if p.wl.ContainsFunc(f.Name()) {
			p.addFunc(f)
		}
	}
	for _, g := range m.Globals {
		if p.wl.ContainsGlobal(g.Name()) {
			p.addGlobal(g)
		}
	}

	for _, s := range p.sites {
		switch s.Kind {
		case taglog.KindFunction:
			p.addFunc(irutil.FindFunc(m, s.Name))
		case taglog.KindGlobalVariable:
			p.addGlobal(irutil.FindGlobal(m, s.Name))
		case taglog.KindGlobalAlias:
			p.addAlias(irutil.FindAlias(m, s.Name))
		case taglog.KindStructField:
			if irutil.FindStructType(m, s.Struct) == nil {
				continue
			}
			key := fieldKey{structName: s.Struct, index: int(s.Offset)}
			if _, ok := p.fields[key]; !ok {
				p.fields[key] = funcDesc{name: s.Name, typeString: s.TypeString}
			}
		}
	}
}

func (p *Pass) addFunc(f *ir.Func) {
	if f == nil || p.funcSet[f] {
		return
	}
	p.funcSet[f] = true
	p.funcsToTag = append(p.funcsToTag, f)
}

func (p *Pass) addGlobal(g *ir.Global) {
	if g == nil || p.gvSet[g] {
		return
	}
	p.gvSet[g] = true
	p.gvsToTag = append(p.gvsToTag, g)
}

func (p *Pass) addAlias(a *ir.Alias) {
	if a == nil || p.gaSet[a] {
		return
	}
	p.gaSet[a] = true
	p.gasToTag = append(p.gasToTag, a)
}

// isTaggable reports whether f may legitimately be stored into a tagged
// global variable.
func (p *Pass) isTaggable(f *ir.Func) bool {
	return fuzzalloc.StandardAllocFunc(f.Name()) || p.funcSet[f]
}

func (p *Pass) isCustomAllocFunc(f *ir.Func) bool {
	return !fuzzalloc.StandardAllocFunc(f.Name()) && p.funcSet[f]
}

// moduleUsers snapshots every instruction and terminator in m referring to
// v. Rewrites invalidate live iteration, so users are cached up front.
func moduleUsers(m *ir.Module, v value.Value) []use {
	var uses []use
	for _, fn := range m.Funcs {
		for _, b := range fn.Blocks {
			for _, inst := range b.Insts {
				if irutil.InstRefers(inst, v) {
					uses = append(uses, use{fn: fn, block: b, site: inst})
				}
			}
			if b.Term != nil && irutil.TermRefers(b.Term, v) {
				uses = append(uses, use{fn: fn, block: b, site: b.Term})
			}
		}
	}
	return uses
}

// tagUsers rewrites every use of the allocation function f: calls become
// tagged calls, stores to global variables retarget the tagged sibling, and
// anything else is replaced with an abort so that unsupported flows fail
// loudly at run time rather than silently losing the tag.
func (p *Pass) tagUsers(m *ir.Module, f *ir.Func) {
	for _, g := range m.Globals {
		if g.Init == nil {
			continue
		}
		if g.Init == f {
			p.tagGlobalVariable(m, g)
		} else if irutil.Refers(g.Init, f) {
			stats.IncStat(stats.NUnsupportedSinks)
			log.Warnf("replacing use of %s in initializer of %s with an abort", f.Ident(), g.Ident())
			g.Init = irutil.ReplaceUsesInConst(g.Init, f, p.castAbort(f.Type()))
		}
	}
	for _, a := range m.Aliases {
		if a.Aliasee == f {
			p.tagGlobalAlias(m, a)
		} else if irutil.Refers(a.Aliasee, f) {
			stats.IncStat(stats.NUnsupportedSinks)
			log.Warnf("replacing use of %s in aliasee of %s with an abort", f.Ident(), a.Ident())
			a.Aliasee = irutil.ReplaceUsesInConst(a.Aliasee, f, p.castAbort(f.Type()))
		}
	}

	for _, u := range moduleUsers(m, f) {
		p.tagUser(m, u, f)
	}
}

func (p *Pass) tagUser(m *ir.Module, u use, f *ir.Func) {
	log.Debugf("replacing user %v of %s", u.site, f.Ident())

	switch site := u.site.(type) {
	case *ir.InstCall:
		p.tagCallUser(m, u, site.Callee, f)
	case *ir.TermInvoke:
		p.tagCallUser(m, u, site.Invokee, f)
	case *ir.InstStore:
		if site.Src == f {
			if gv, ok := site.Dst.(*ir.Global); ok {
				p.tagGlobalVariable(m, gv)
				return
			}
		}
		// A store of the function through a pointer we cannot resolve,
		// most commonly a struct field whose address was taken. The
		// matching loads are rewritten via the struct field records, so
		// the store itself becomes an abort.
		stats.IncStat(stats.NUnsupportedSinks)
		log.Warnf("replacing store of %s with an abort", f.Ident())
		irutil.ReplaceUsesIn(site, f, p.castAbort(f.Type()))
	default:
		stats.IncStat(stats.NUnsupportedSinks)
		log.Warnf("replacing unsupported user %T of %s with an abort", u.site, f.Ident())
		irutil.ReplaceUsesIn(u.site, f, p.castAbort(f.Type()))
	}
}

// tagCallUser rewrites a call or invoke referring to f. If f is the callee
// the call is redirected to the tagged version; if f is carried as an
// argument there is no interprocedural analysis to track where it flows, so
// the argument becomes an abort.
func (p *Pass) tagCallUser(m *ir.Module, u use, rawCallee value.Value, f *ir.Func) {
	if irutil.StripPointerCasts(rawCallee) == f {
		p.tagCall(m, u, p.translateFunc(m, f))
		return
	}
	stats.IncStat(stats.NUnsupportedSinks)
	log.Warnf("replacing %s function argument with an abort", f.Ident())
	irutil.ReplaceUsesIn(u.site, f, p.castAbort(f.Type()))
}

// castAbort returns the runtime abort function cast to the given type.
// Rewritten sinks that lose track of an allocation function point here so
// that using them crashes immediately instead of allocating untagged.
func (p *Pass) castAbort(to types.Type) constant.Constant {
	return constant.NewBitCast(p.abortF, to)
}

// cleanup deletes the original symbols, aliases before global variables
// before functions so that initializer and aliasee references disappear
// ahead of the symbols they point to. A remaining use means some flow was
// not rewritten; continuing would corrupt the module.
func (p *Pass) cleanup(m *ir.Module) {
	for _, ga := range p.gasToTag {
		if n := irutil.NumUses(m, ga); n != 0 {
			log.Panicf("tagger: global alias %s still has %d uses", ga.Ident(), n)
		}
		irutil.RemoveAlias(m, ga)
	}
	for _, gv := range p.gvsToTag {
		if n := irutil.NumUses(m, gv); n != 0 {
			log.Panicf("tagger: global variable %s still has %d uses", gv.Ident(), n)
		}
		irutil.RemoveGlobal(m, gv)
	}
	for _, f := range p.funcsToTag {
		if n := irutil.NumUses(m, f); n != 0 {
			log.Panicf("tagger: function %s still has %d uses", f.Ident(), n)
		}
		irutil.RemoveFunc(m, f)
	}
}
