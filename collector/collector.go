// Package collector implements the analysis stage of the allocation-site
// tagging pipeline. It scans one IR module for the standard C dynamic
// allocation functions and any whitelisted custom allocators, classifies
// every use of those functions, and reports the symbols the tagger must
// later rewrite: the functions themselves, global variables and global
// aliases they are stored to or aliased by, and struct fields they are
// stored into (resolved through TBAA metadata).
package collector

import (
	"github.com/llir/llvm/ir"
	log "github.com/sirupsen/logrus"

	"github.com/ufwt/datAFLow-sub000/fuzzalloc"
	"github.com/ufwt/datAFLow-sub000/irutil"
	"github.com/ufwt/datAFLow-sub000/stats"
	"github.com/ufwt/datAFLow-sub000/taglog"
	"github.com/ufwt/datAFLow-sub000/whitelist"
)

// Pass collects the values in a module that require an allocation-site tag.
// It mutates nothing; its only output is the site list, which the driver
// appends to the shared tag log.
type Pass struct {
	wl *whitelist.Whitelist

	funcs   []*ir.Func
	globals []*ir.Global
	aliases []*ir.Alias
	fields  []structField

	seenGlobal map[*ir.Global]bool
	seenAlias  map[*ir.Alias]bool
	seenField  map[fieldKey]bool
}

// fieldKey identifies a struct field by the innermost struct's type name and
// the field index within it, mirroring the struct log records.
type fieldKey struct {
	structName string
	index      int
}

type structField struct {
	key fieldKey
	fn  *ir.Func
}

// New returns a collector pass using wl to recognize custom allocation
// functions. wl may be nil when no whitelist was supplied.
func New(wl *whitelist.Whitelist) *Pass {
	return &Pass{wl: wl}
}

// Run analyzes m and returns the discovered tag sites grouped by kind:
// functions first, then global variables, global aliases and struct fields.
func (p *Pass) Run(m *ir.Module) []taglog.Site {
	p.funcs = nil
	p.globals = nil
	p.aliases = nil
	p.fields = nil
	p.seenGlobal = make(map[*ir.Global]bool)
	p.seenAlias = make(map[*ir.Alias]bool)
	p.seenField = make(map[fieldKey]bool)

	seen := make(map[*ir.Func]bool)
	add := func(f *ir.Func) {
		if f == nil || seen[f] {
			return
		}
		seen[f] = true
		p.funcs = append(p.funcs, f)
	}

	add(irutil.FindFunc(m, fuzzalloc.MallocName))
	add(irutil.FindFunc(m, fuzzalloc.CallocName))
	add(irutil.FindFunc(m, fuzzalloc.ReallocName))
	for _, f := range m.Funcs {
		if p.wl.ContainsFunc(f.Name()) {
			stats.IncStat(stats.NCollectedFuncs)
			add(f)
		}
	}

	for _, f := range p.funcs {
		p.collectUsers(m, f)
	}

	sites := make([]taglog.Site, 0, len(p.funcs)+len(p.globals)+len(p.aliases)+len(p.fields))
	for _, f := range p.funcs {
		sites = append(sites, taglog.FuncSite(f.Name()))
	}
	for _, g := range p.globals {
		sites = append(sites, taglog.GlobalVariableSite(g.Name()))
	}
	for _, a := range p.aliases {
		sites = append(sites, taglog.GlobalAliasSite(a.Name()))
	}
	for _, fd := range p.fields {
		sites = append(sites, taglog.StructFieldSite(fd.key.structName, int64(fd.key.index), fd.fn.Name(), fd.fn.Sig.String()))
	}
	return sites
}

// collectUsers walks every operand slot in m and classifies each use of f.
// The IR library keeps no use lists, so users are found structurally.
func (p *Pass) collectUsers(m *ir.Module, f *ir.Func) {
	for _, fn := range m.Funcs {
		for _, block := range fn.Blocks {
			for _, inst := range block.Insts {
				if irutil.InstRefers(inst, f) {
					p.tagUser(m, inst, f)
				}
			}
			if block.Term != nil && irutil.TermRefers(block.Term, f) {
				p.tagTermUser(block.Term, f)
			}
		}
	}
	for _, g := range m.Globals {
		if g.Init != nil && irutil.Refers(g.Init, f) {
			p.addGlobal(g)
		}
	}
	for _, a := range m.Aliases {
		if irutil.Refers(a.Aliasee, f) {
			p.addAlias(a)
		}
	}
}

// tagUser classifies one instruction that uses the allocation function f.
// Call sites need no record, the tagger rewrites them directly. A store
// either targets a global variable or, via TBAA, a struct field. Anything
// else has no sound tagging strategy.
func (p *Pass) tagUser(m *ir.Module, user ir.Instruction, f *ir.Func) {
	switch user := user.(type) {
	case *ir.InstCall:
	case *ir.InstStore:
		if gv, ok := user.Dst.(*ir.Global); ok {
			p.addGlobal(gv)
			return
		}
		p.structStore(m, user, f)
	default:
		log.Panicf("collector: unsupported user %T of %s", user, f.Ident())
	}
}

func (p *Pass) tagTermUser(user ir.Terminator, f *ir.Func) {
	if _, ok := user.(*ir.TermInvoke); ok {
		return
	}
	log.Panicf("collector: unsupported user %T of %s", user, f.Ident())
}

// structStore records the struct field a store writes f into. The field is
// recovered from the store's TBAA access tag and resolved to the innermost
// struct containing the byte offset.
func (p *Pass) structStore(m *ir.Module, store *ir.InstStore, f *ir.Func) {
	if !irutil.HasTBAA(store.Metadata) {
		log.Fatalf("collector: store of %s carries no TBAA metadata; rebuild with TBAA enabled (-O1 or higher)", f.Ident())
	}
	st, off, ok := irutil.StructFromTBAA(m, store.Metadata)
	if !ok {
		log.Panicf("collector: TBAA on store of %s does not describe a struct member", f.Ident())
	}
	inner, idx, _, ok := irutil.ResolveStructOffset(st, off)
	if !ok {
		log.Panicf("collector: TBAA byte offset %d lies outside struct %s", off, st.Name())
	}
	if !irutil.IsFuncPtr(inner.Fields[idx]) {
		log.Panicf("collector: %s field %d holding %s is not a function pointer", inner.Name(), idx, f.Ident())
	}
	p.addField(inner.Name(), idx, f)
}

func (p *Pass) addGlobal(g *ir.Global) {
	if p.seenGlobal[g] {
		return
	}
	p.seenGlobal[g] = true
	p.globals = append(p.globals, g)
	stats.IncStat(stats.NCollectedGlobalVars)
	log.Debugf("collector: global variable %s holds an allocation function", g.Ident())
}

func (p *Pass) addAlias(a *ir.Alias) {
	if p.seenAlias[a] {
		return
	}
	p.seenAlias[a] = true
	p.aliases = append(p.aliases, a)
	stats.IncStat(stats.NCollectedGlobalAliases)
	log.Debugf("collector: global alias %s aliases an allocation function", a.Ident())
}

func (p *Pass) addField(structName string, idx int, f *ir.Func) {
	key := fieldKey{structName: structName, index: idx}
	if p.seenField[key] {
		return
	}
	p.seenField[key] = true
	p.fields = append(p.fields, structField{key: key, fn: f})
	stats.IncStat(stats.NCollectedStructFields)
	log.Debugf("collector: %s field %d holds %s", structName, idx, f.Ident())
}
