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

// tagGlobalVariable retargets a global variable holding an allocation
// function pointer at its tagged sibling: the initializer is translated,
// loads are reissued against the sibling with their call sites tagged, and
// stores write the tagged function instead. The original global is left for
// cleanup. Reached from both the tag-site log and store classification, so
// the rewrite is memoized.
func (p *Pass) tagGlobalVariable(m *ir.Module, orig *ir.Global) *ir.Global {
	if tagged, ok := p.taggedGVs[orig]; ok {
		return tagged
	}
	log.Debugf("tagging global variable %s", orig.Ident())

	tagged := p.translateGlobal(m, orig)
	p.taggedGVs[orig] = tagged
	taggedPtrTy := tagged.ContentType.(*types.PointerType)

	if orig.Init != nil {
		switch init := orig.Init.(type) {
		case *ir.Func:
			tagged.Init = p.translateFunc(m, init)
		case *constant.Null:
			tagged.Init = constant.NewNull(taggedPtrTy)
		default:
			log.Panicf("tagger: unsupported initializer %T of %s", init, orig.Ident())
		}
	}

	for _, u := range moduleUsers(m, orig) {
		switch site := u.site.(type) {
		case *ir.InstLoad:
			if site.Src == orig {
				p.retargetLoad(m, u, site, tagged, taggedPtrTy)
				continue
			}
			p.recastGlobal(m, u, orig, tagged)
		case *ir.InstStore:
			if site.Dst == orig {
				p.retargetStore(m, u, site, orig, tagged)
				continue
			}
			p.recastGlobal(m, u, orig, tagged)
		default:
			p.recastGlobal(m, u, orig, tagged)
		}
	}

	stats.IncStat(stats.NTaggedGlobalVars)
	p.changed = true
	return tagged
}

// retargetLoad reissues a load of the original global against the tagged
// sibling and rewrites the load's users: calls of the loaded pointer become
// tagged calls, and phi nodes are retyped once all their incomings carry
// the tagged type.
func (p *Pass) retargetLoad(m *ir.Module, u use, old *ir.InstLoad, tagged *ir.Global, taggedPtrTy *types.PointerType) {
	nl := ir.NewLoad(taggedPtrTy, tagged)
	nl.Volatile = old.Volatile
	nl.Atomic = old.Atomic
	nl.Ordering = old.Ordering
	nl.SyncScope = old.SyncScope
	nl.Align = old.Align
	if old.Name() != "" {
		nl.SetName(fuzzalloc.TaggedPrefix + old.Name())
	}
	irutil.InsertBefore(u.block, old, nl)

	for _, lu := range moduleUsers(m, old) {
		switch site := lu.site.(type) {
		case *ir.InstCall:
			if irutil.StripPointerCasts(site.Callee) != old {
				log.Panicf("tagger: loaded allocation function passed as argument in %v", site)
			}
			p.tagCall(m, lu, nl)
		case *ir.TermInvoke:
			if irutil.StripPointerCasts(site.Invokee) != old {
				log.Panicf("tagger: loaded allocation function passed as argument in %v", site)
			}
			p.tagCall(m, lu, nl)
		case *ir.InstPhi:
			p.retargetPhi(m, lu, site, old, nl, taggedPtrTy)
		default:
			log.Panicf("tagger: unsupported load user %T of %s", lu.site, tagged.Ident())
		}
	}
	irutil.RemoveInst(u.block, old)
}

// retargetPhi swaps a rewritten load into a phi over allocation function
// pointers. Once every incoming carries the tagged pointer type the phi is
// replaced with a retyped one and the calls through it are tagged; until
// then the remaining incomings are other not-yet-rewritten loads.
func (p *Pass) retargetPhi(m *ir.Module, u use, phi *ir.InstPhi, oldVal, newVal value.Value, taggedPtrTy *types.PointerType) {
	for _, inc := range phi.Incs {
		if inc.X == oldVal {
			inc.X = newVal
		}
	}
	for _, inc := range phi.Incs {
		if !types.Equal(inc.X.Type(), taggedPtrTy) {
			return
		}
	}

	np := &ir.InstPhi{Typ: taggedPtrTy}
	for _, inc := range phi.Incs {
		np.Incs = append(np.Incs, &ir.Incoming{X: inc.X, Pred: inc.Pred})
	}
	if phi.Name() != "" {
		np.SetName(fuzzalloc.TaggedPrefix + phi.Name())
	}
	irutil.InsertBefore(u.block, phi, np)
	irutil.ReplaceAllUses(m, phi, np)
	irutil.RemoveInst(u.block, phi)

	for _, pu := range moduleUsers(m, np) {
		switch site := pu.site.(type) {
		case *ir.InstCall:
			if irutil.StripPointerCasts(site.Callee) != np {
				log.Panicf("tagger: retyped phi %s passed as argument in %v", np.Ident(), site)
			}
			p.tagCall(m, pu, np)
		case *ir.TermInvoke:
			if irutil.StripPointerCasts(site.Invokee) != np {
				log.Panicf("tagger: retyped phi %s passed as argument in %v", np.Ident(), site)
			}
			p.tagCall(m, pu, np)
		default:
			log.Panicf("tagger: unsupported user %T of retyped phi %s", pu.site, np.Ident())
		}
	}
}

// retargetStore rewrites a store to the original global. Only taggable
// functions may be written to a tagged global; any other stored value is
// unknown, so the store is redirected through an abort pointer.
func (p *Pass) retargetStore(m *ir.Module, u use, old *ir.InstStore, orig, tagged *ir.Global) {
	if f, ok := old.Src.(*ir.Func); ok {
		if !p.isTaggable(f) {
			log.Panicf("tagger: store of untaggable function %s to %s", f.Ident(), orig.Ident())
		}
		ns := ir.NewStore(p.translateFunc(m, f), tagged)
		ns.Volatile = old.Volatile
		ns.Atomic = old.Atomic
		ns.Ordering = old.Ordering
		ns.SyncScope = old.SyncScope
		ns.Align = old.Align
		irutil.InsertBefore(u.block, old, ns)
		irutil.RemoveInst(u.block, old)
		return
	}
	stats.IncStat(stats.NUnsupportedSinks)
	log.Warnf("replacing store to %s with an abort", orig.Ident())
	irutil.ReplaceUsesIn(old, orig, p.castAbort(orig.Type()))
}

// recastGlobal handles a use of the original global reached through a
// constant bitcast: the cast is rebuilt as an instruction against the
// tagged sibling. Any other user shape is unsupported.
func (p *Pass) recastGlobal(m *ir.Module, u use, orig, tagged *ir.Global) {
	var casts []*constant.ExprBitCast
	seen := make(map[*constant.ExprBitCast]bool)
	irutil.VisitOperands(u.site, func(v value.Value) {
		if bc, ok := v.(*constant.ExprBitCast); ok && bc.From == orig && !seen[bc] {
			seen[bc] = true
			casts = append(casts, bc)
		}
	})
	if len(casts) == 0 {
		log.Panicf("tagger: unsupported user %T of global variable %s", u.site, orig.Ident())
	}
	for _, bc := range casts {
		nc := ir.NewBitCast(tagged, bc.To)
		p.insertAtSite(u, nc)
		irutil.ReplaceUsesIn(u.site, bc, nc)
	}
}

// tagGlobalAlias recreates an alias of an allocation function or of a
// global holding one against the tagged sibling. Direct users of the alias
// are not supported; by the time aliases are processed every call through
// one has already been rewritten.
func (p *Pass) tagGlobalAlias(m *ir.Module, orig *ir.Alias) *ir.Alias {
	if tagged, ok := p.taggedGAs[orig]; ok {
		return tagged
	}
	log.Debugf("tagging global alias %s", orig.Ident())

	var aliasee constant.Constant
	switch target := orig.Aliasee.(type) {
	case *ir.Func:
		aliasee = p.translateFunc(m, target)
	case *ir.Global:
		aliasee = p.translateGlobal(m, target)
	default:
		log.Panicf("tagger: alias %s must alias a function or global variable, have %T",
			orig.Ident(), orig.Aliasee)
	}

	if n := irutil.NumUses(m, orig); n != 0 {
		log.Panicf("tagger: global alias %s still has %d uses", orig.Ident(), n)
	}

	tagged := m.NewAlias(fuzzalloc.TaggedPrefix+orig.Name(), aliasee)
	tagged.Linkage = orig.Linkage
	p.taggedGAs[orig] = tagged

	stats.IncStat(stats.NTaggedGlobalAliases)
	p.changed = true
	return tagged
}
