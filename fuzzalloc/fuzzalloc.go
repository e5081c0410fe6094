// Package fuzzalloc holds the protocol constants shared between the
// instrumentation passes and the runtime allocator: how wide an allocation
// tag is, where it sits inside a pointer, which tag values are reserved,
// and the names of the runtime entry points.
package fuzzalloc

// Tag identifies one allocation call site. Tags are baked into call sites at
// compile time and recovered from pointer address bits at run time.
type Tag uint16

const (
	// NumUsableBits is the number of usable bits in an x86-64 address.
	NumUsableBits = 48
	// NumTagBits is the width of an allocation tag.
	NumTagBits = 16

	// TagShift positions a tag in the upper usable address bits.
	TagShift = NumUsableBits - NumTagBits
	// TagMask isolates a tag after shifting.
	TagMask = (1 << NumTagBits) - 1
)

const (
	// DefaultTag marks an untagged allocation.
	DefaultTag Tag = 0
	// QuarantineTag is reserved for the allocator's quarantine pool.
	QuarantineTag Tag = 1
	// InstTagStart is the first tag available to instrumented call sites.
	InstTagStart Tag = 2
	// TagMax is the last valid tag.
	TagMax Tag = (1 << NumTagBits) - 1
)

// TaggedPrefix is prepended to the name of every rewritten function, global
// variable and alias.
const TaggedPrefix = "__tagged_"

// Names of the standard allocation functions the tagger rewrites.
const (
	MallocName  = "malloc"
	CallocName  = "calloc"
	ReallocName = "realloc"
)

// Names of the runtime entry points. Their signatures are fixed ABI: the
// tagged allocators take a tag followed by the standard allocator arguments,
// and the dereference hook takes only a tag.
const (
	TaggedMallocName  = TaggedPrefix + MallocName
	TaggedCallocName  = TaggedPrefix + CallocName
	TaggedReallocName = TaggedPrefix + ReallocName
	PtrDerefName      = "__ptr_deref"
	AbortName         = "abort"
)

// Metadata kinds attached to rewritten instructions so later passes and
// downstream analyses can recognize them without re-deriving the rewrite.
const (
	MDTaggedAlloc       = "fuzzalloc.tagged_alloc"
	MDInstrumentedDeref = "fuzzalloc.instrumented_deref"
	MDNoInstrument      = "fuzzalloc.no_instrument"
	MDNoSanitize        = "nosanitize"
)

// StandardAllocFunc reports whether name is one of the three standard
// allocation functions.
func StandardAllocFunc(name string) bool {
	switch name {
	case MallocName, CallocName, ReallocName:
		return true
	}
	return false
}
