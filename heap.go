package concmark

// This file specifies the capabilities the marking engine requires
// from the region-structured heap, the write-barrier machinery, the
// stop-the-world coordinator, and root scanning — all out of scope
// per spec §1, consumed here only through the interfaces below (§6,
// "Required from the heap and runtime").

// Addr is a word-addressed location in the heap's address space. All
// addresses are word-aligned to the minimum object alignment; no unit
// conversion happens inside this package.
type Addr uintptr

// AddrRange is a half-open word-addressed interval [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// Contains reports whether a lies in [r.Start, r.End).
func (r AddrRange) Contains(a Addr) bool { return a >= r.Start && a < r.End }

// Empty reports whether the range contains no addresses.
func (r AddrRange) Empty() bool { return r.Start >= r.End }

// ObjectRef is an opaque reference to a heap object. The engine never
// dereferences it directly; all object-level operations go through
// Heap/Region/Object capabilities.
type ObjectRef Addr

// OopClosure is the single capability every polymorphic closure in
// the engine needs: visit one reference slot. Root-scanning,
// oop_iterate, and SATB buffer application are all expressed in terms
// of a function receiving ObjectRef values, not a richer interface —
// matching spec §9's "polymorphic closures ... implement as a
// single-method interface (or a function pointer + state)".
type OopClosure func(ref ObjectRef)

// Object is the per-object capability set the engine needs from the
// heap's object model.
type Object interface {
	// OopIterate calls fn once per reference slot held by the object.
	OopIterate(fn OopClosure)
	// Size returns the object size in words.
	Size() uintptr
	// IsForwarded and Forwardee support evacuation-failure
	// self-forwarding lookups during in-collection-set marking.
	IsForwarded() bool
	Forwardee() ObjectRef
}

// Region is the per-region capability set (§3 "Region").
type Region interface {
	Bottom() Addr
	End() Addr
	Top() Addr
	NextTopAtMarkStart() Addr
	TopAtConcMarkCount() Addr
	SetTopAtConcMarkCount(a Addr)

	ContinuesHumongous() bool
	IsHumongous() bool
	InCollectionSet() bool

	AddToMarkedBytes(n uintptr)
	// SetLiveness sets or clears this region's bit in the
	// region-liveness bitmap (§3, "Region liveness bitmap (one bit
	// per region) ... written during final counting"); the final
	// counting pass calls SetLiveness(true) iff it saw any live bytes
	// in the region this cycle.
	SetLiveness(live bool)
	NoteStartOfMarking()
	NoteEndOfMarking()
	ResetGCTimeStamp()
}

// ClaimValue tags a region during a parallel, chunked heap iteration
// so that concurrently running workers do not double-process it.
// Claim tokens are per-region and latch until a later call presents a
// different ClaimValue, so callers that run more than one chunked
// pass over the same heap (e.g. cleanup across successive cycles)
// must supply a fresh value each time rather than reusing a constant.
type ClaimValue uint32

// RegionClosure visits one region during heap iteration and reports
// whether iteration should continue.
type RegionClosure func(r Region) (cont bool)

// Heap is everything the engine requires from the region-structured
// heap and the broader runtime: root enumeration, region iteration,
// and per-object capability lookup by address.
type Heap interface {
	// ReservedRegion and CommittedRegion return word-addressed
	// half-open intervals over the heap's virtual and committed
	// address space respectively.
	ReservedRegion() AddrRange
	CommittedRegion() AddrRange

	// HeapRegionContaining returns the region holding addr.
	HeapRegionContaining(addr Addr) Region
	// HeapRegionIterate visits every region in address order.
	HeapRegionIterate(fn RegionClosure)
	// HeapRegionParIterateChunked visits regions in chunks claimed by
	// workerID using claim, ensuring exactly one worker processes a
	// given region for a given claim value.
	HeapRegionParIterateChunked(fn RegionClosure, workerID int, claim ClaimValue)

	// ObjectAt resolves the object capability set at addr.
	ObjectAt(addr Addr) Object

	// ProcessStrongRoots enumerates strong roots, invoking regular
	// for ordinary roots and perm for roots requiring the permanent-
	// generation closure (kept for interface fidelity with the
	// original; a heap with no permanent generation may pass the same
	// closure for both).
	ProcessStrongRoots(includePerm bool, regular, perm OopClosure)
}

// SATBQueueSet is the write barrier's side of snapshot-at-the-
// beginning ingestion (§6, "SATB queue set").
type SATBQueueSet interface {
	SetBufferSize(n int)
	ActivateAllThreads()
	SetProcessCompletedThreshold(n int)
	SetClosure(taskID int, closure OopClosure)

	// ApplyClosureToCompletedBuffer drains and removes one completed
	// buffer belonging to taskID, invoking its registered closure on
	// every logged reference, or reports false if none is available.
	ApplyClosureToCompletedBuffer(taskID int) (drained bool)

	// IterateClosureAllThreads sweeps every mutator thread's
	// not-yet-completed buffer, invoking closure on each logged
	// reference. Used only during remark.
	IterateClosureAllThreads(closure OopClosure)

	// CompletedBufferCount reports how many completed buffers are
	// queued, used by the regular clock's SATB-pressure check.
	CompletedBufferCount() int
}

// ReferenceDiscoverPolicy selects which kinds of weak references are
// discovered during the reference-processing pass in remark.
type ReferenceDiscoverPolicy int

// ReferenceProcessor is the weak-reference collaborator consumed
// during remark (§4.F, "Weak references (remark)").
type ReferenceProcessor interface {
	EnableDiscovery()
	// ProcessDiscoveredReferences runs is_alive/keep_alive/drain over
	// every discovered reference under policy, and invokes complete
	// once finished.
	ProcessDiscoveredReferences(
		policy ReferenceDiscoverPolicy,
		isAlive func(ref ObjectRef) bool,
		keepAlive func(ref ObjectRef),
		drain func(),
		complete func(),
	)
	EnqueueDiscoveredReferences()
}

// SafepointToken is the cooperative safepoint-synchronization
// capability described in §5: a worker "joins" to indicate it will
// observe safepoints, and "leaves" before any blocking wait so it is
// not holding up a safepoint request.
type SafepointToken interface {
	Join()
	Leave()
	IsAtSafepoint() bool
}

// CardBitmap records, at card granularity, which cards contain marked
// objects; written during the final counting pass, read by the
// remembered-set scrubber.
type CardBitmap interface {
	MarkCardsForRange(r AddrRange)
	IsCardMarked(addr Addr) bool
	CardSize() uintptr
}
