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

// translateType inserts the tag as the first parameter of a function type.
func (p *Pass) translateType(orig *types.FuncType) *types.FuncType {
	params := make([]types.Type, 0, len(orig.Params)+1)
	params = append(params, types.I16)
	params = append(params, orig.Params...)
	fty := types.NewFunc(orig.RetType, params...)
	fty.Variadic = orig.Variadic
	return fty
}

// translateFunc returns the tagged sibling of orig, declaring it on first
// use: same signature with the tag prepended, and __tagged_ prepended to
// the name. For malloc, calloc and realloc this resolves to the runtime's
// tagged allocators declared up front.
func (p *Pass) translateFunc(m *ir.Module, orig *ir.Func) *ir.Func {
	name := fuzzalloc.TaggedPrefix + orig.Name()
	sig := p.translateType(orig.Sig)
	f := irutil.GetOrInsertFunc(m, name, sig)
	if !types.Equal(f.Sig, sig) {
		log.Fatalf("tagger: %s redeclared as %v, want %v", name, f.Sig, sig)
	}
	if _, ok := p.tagged[f]; !ok {
		p.tagged[f] = 0
	}
	return f
}

// translateGlobal returns the tagged sibling of a global variable holding
// an allocation function pointer, declaring it on first use.
func (p *Pass) translateGlobal(m *ir.Module, orig *ir.Global) *ir.Global {
	ptr, ok := orig.ContentType.(*types.PointerType)
	if !ok {
		log.Panicf("tagger: global variable %s does not hold a pointer", orig.Ident())
	}
	fty, ok := ptr.ElemType.(*types.FuncType)
	if !ok {
		log.Panicf("tagger: global variable %s does not hold a function pointer", orig.Ident())
	}
	contentTy := types.NewPointer(p.translateType(fty))
	name := fuzzalloc.TaggedPrefix + orig.Name()
	g := irutil.GetOrInsertGlobal(m, name, contentTy)
	if !types.Equal(g.ContentType, contentTy) {
		log.Fatalf("tagger: %s redeclared as %v, want %v", name, g.ContentType, contentTy)
	}
	return g
}

// tagFunction clones an allocation wrapper into its tagged sibling. The
// clone's body still calls the original allocation functions; those calls
// are rewritten when the allocation functions' users are processed, at
// which point they forward the wrapper's tag parameter.
func (p *Pass) tagFunction(m *ir.Module, orig *ir.Func) *ir.Func {
	log.Debugf("tagging function %s", orig.Ident())

	tagged := p.translateFunc(m, orig)
	if len(orig.Blocks) == 0 || len(tagged.Blocks) != 0 {
		return tagged
	}

	vmap := make(irutil.ValueMap)
	for i, param := range orig.Params {
		vmap[param] = tagged.Params[i+1]
	}
	irutil.CloneBody(tagged, orig, vmap)

	stats.IncStat(stats.NTaggedFuncs)
	p.changed = true
	return tagged
}

// generateTag draws a fresh tag. Tags are unique within the unit until the
// tag space is exhausted, after which they repeat.
func (p *Pass) generateTag() *constant.Int {
	span := int(fuzzalloc.TagMax-fuzzalloc.InstTagStart) + 1
	t := fuzzalloc.InstTagStart + fuzzalloc.Tag(p.rng.Intn(span))
	if len(p.usedTags) < span {
		for p.usedTags[t] {
			t = fuzzalloc.InstTagStart + fuzzalloc.Tag(p.rng.Intn(span))
		}
	}
	p.usedTags[t] = true
	return constant.NewInt(types.I16, int64(t))
}

// callSiteTag picks the tag for a call site in parent. Inside a tagged
// function the tag parameter is passed straight through, so the tag chosen
// at the outermost call site survives down the wrapper chain; anywhere else
// a fresh tag is drawn.
func (p *Pass) callSiteTag(parent *ir.Func) value.Value {
	if idx, ok := p.tagged[parent]; ok {
		if idx >= len(parent.Params) {
			log.Panicf("tagger: tagged function %s has no tag parameter", parent.Ident())
		}
		stats.IncStat(stats.NPropagatedTags)
		return parent.Params[idx]
	}
	return p.generateTag()
}
