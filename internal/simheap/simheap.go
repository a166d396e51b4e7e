// Package simheap is an in-memory fake of a region-structured heap,
// used by the marking engine's own tests and by cmd/concmarkdemo. It
// implements every capability concmark.Coordinator requires from the
// heap, the write barrier, the reference processor, and the
// safepoint coordinator, with none of the real allocation, evacuation,
// or reclamation machinery those would actually carry.
package simheap

import (
	"sync"
	"sync/atomic"

	"github.com/coriolisgc/concmark"
)

// wordSize matches concmark.Config.ObjectAlignmentShift's default of
// 3 (8-byte words); simheap addresses always advance by this much per
// object slot unless a test deliberately packs objects tighter.
const wordSize = 8

// Object is a fake heap object: a fixed size in words and a mutable
// list of outgoing reference slots. Mutability lets tests simulate a
// mutator overwriting a root-held pointer mid-cycle (the SATB
// catch-up scenario).
type Object struct {
	mu        sync.Mutex
	addr      concmark.Addr
	size      uintptr
	refs      []concmark.Addr
	forwarded bool
	forwardee concmark.Addr
}

func (o *Object) OopIterate(fn concmark.OopClosure) {
	o.mu.Lock()
	refs := append([]concmark.Addr(nil), o.refs...)
	o.mu.Unlock()
	for _, r := range refs {
		if r != 0 {
			fn(concmark.ObjectRef(r))
		}
	}
}

func (o *Object) Size() uintptr { return o.size }

// Addr returns the object's address, for test/demo code that needs to
// wire one object's address into another's reference slots or a root
// list.
func (o *Object) Addr() concmark.Addr { return o.addr }

func (o *Object) IsForwarded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.forwarded
}

func (o *Object) Forwardee() concmark.ObjectRef {
	o.mu.Lock()
	defer o.mu.Unlock()
	return concmark.ObjectRef(o.forwardee)
}

// SetRefs replaces every outgoing reference slot, simulating a
// mutator store.
func (o *Object) SetRefs(refs ...concmark.Addr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refs = append([]concmark.Addr(nil), refs...)
}

// Forward marks the object as evacuated to addr, simulating
// evacuation-failure self-forwarding.
func (o *Object) Forward(to concmark.Addr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forwarded = true
	o.forwardee = to
}

// Region is a fake heap region. Every mutable field the
// concmark.Region interface exposes is backed by a plain atomic (bottom
// and end are fixed at creation) so code in this package may poke at
// it directly (e.g. advancing top to simulate allocation) without a
// lock.
type Region struct {
	bottomAddr concmark.Addr
	endAddr    concmark.Addr

	top    atomic.Uint64
	ntams  atomic.Uint64
	tacmc  atomic.Uint64
	marked atomic.Uint64

	continuesHumongous atomic.Bool
	humongous          atomic.Bool
	inCSet             atomic.Bool
	live               atomic.Bool
	gcTimeStamp        atomic.Int64
}

func newRegion(bottom, end concmark.Addr) *Region {
	r := &Region{bottomAddr: bottom, endAddr: end}
	r.top.Store(uint64(bottom))
	r.ntams.Store(uint64(bottom))
	r.tacmc.Store(uint64(bottom))
	return r
}

func (r *Region) Bottom() concmark.Addr                 { return r.bottomAddr }
func (r *Region) End() concmark.Addr                    { return r.endAddr }
func (r *Region) Top() concmark.Addr                    { return concmark.Addr(r.top.Load()) }
func (r *Region) NextTopAtMarkStart() concmark.Addr     { return concmark.Addr(r.ntams.Load()) }
func (r *Region) TopAtConcMarkCount() concmark.Addr     { return concmark.Addr(r.tacmc.Load()) }
func (r *Region) SetTopAtConcMarkCount(a concmark.Addr) { r.tacmc.Store(uint64(a)) }

func (r *Region) ContinuesHumongous() bool { return r.continuesHumongous.Load() }
func (r *Region) IsHumongous() bool        { return r.humongous.Load() }
func (r *Region) InCollectionSet() bool    { return r.inCSet.Load() }

func (r *Region) AddToMarkedBytes(n uintptr) { r.marked.Add(uint64(n)) }
func (r *Region) MarkedBytes() uintptr       { return uintptr(r.marked.Load()) }

// SetLiveness and IsLive back the region-liveness bitmap (spec §3);
// IsLive is exposed for test assertions on cleanup's output.
func (r *Region) SetLiveness(live bool) { r.live.Store(live) }
func (r *Region) IsLive() bool          { return r.live.Load() }

func (r *Region) NoteStartOfMarking() { r.ntams.Store(r.top.Load()) }
func (r *Region) NoteEndOfMarking()   {}
func (r *Region) ResetGCTimeStamp()   { r.gcTimeStamp.Store(0) }

// SetHumongous marks the region (and, if continues is true, as a
// continues-humongous tail region that is never independently
// claimed or scanned).
func (r *Region) SetHumongous(continues bool) {
	r.humongous.Store(true)
	r.continuesHumongous.Store(continues)
}

// SetInCollectionSet flags the region as part of the current
// collection set, for RegisterCsetRegion-driven invalidation tests.
func (r *Region) SetInCollectionSet(v bool) { r.inCSet.Store(v) }

// Heap is a fake region-structured heap: a fixed reserved range, an
// append-only list of regions, and an address-keyed object table.
type Heap struct {
	mu       sync.RWMutex
	reserved concmark.AddrRange
	regions  []*Region
	claims   []atomic.Uint64
	objects  map[concmark.Addr]*Object
	roots    []concmark.Addr
}

// NewHeap creates an empty heap reserved over [start, start+size).
func NewHeap(start concmark.Addr, size uintptr) *Heap {
	return &Heap{
		reserved: concmark.AddrRange{Start: start, End: start + concmark.Addr(size)},
		objects:  make(map[concmark.Addr]*Object),
	}
}

// AddRegion appends a new region of byteSize bytes immediately after
// the last one (or at the heap's start if this is the first), and
// returns it.
func (h *Heap) AddRegion(byteSize uintptr) *Region {
	h.mu.Lock()
	defer h.mu.Unlock()

	bottom := h.reserved.Start
	if n := len(h.regions); n > 0 {
		bottom = h.regions[n-1].endAddr
	}
	r := newRegion(bottom, bottom+concmark.Addr(byteSize))
	h.regions = append(h.regions, r)
	h.claims = append(h.claims, atomic.Uint64{})
	return r
}

// AllocateObject bumps r's top by size words and records a new object
// there with the given outgoing references, simulating a mutator
// allocation. It panics if r has no room left — tests size regions
// generously rather than exercising heap exhaustion, which is out of
// this engine's scope.
func (h *Heap) AllocateObject(r *Region, sizeWords uintptr, refs ...concmark.Addr) *Object {
	addr := concmark.Addr(r.top.Load())
	end := addr + concmark.Addr(sizeWords*wordSize)
	if end > r.endAddr {
		panic("simheap: region out of space")
	}
	r.top.Store(uint64(end))

	o := &Object{addr: addr, size: sizeWords, refs: append([]concmark.Addr(nil), refs...)}
	h.mu.Lock()
	h.objects[addr] = o
	h.mu.Unlock()
	return o
}

// AddRoot registers addr as a strong root visited by
// ProcessStrongRoots.
func (h *Heap) AddRoot(addr concmark.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roots = append(h.roots, addr)
}

// SetRoot replaces root slot i, simulating a mutator overwriting a
// root-held pointer (spec.md §8 scenario 5, "SATB catch-up").
func (h *Heap) SetRoot(i int, addr concmark.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roots[i] = addr
}

func (h *Heap) ReservedRegion() concmark.AddrRange { return h.reserved }

// CommittedRegion returns [reserved.Start, end-of-last-added-region):
// the portion of the reserved virtual range actually backed by a
// region so far. AddRegion grows this; nothing ever shrinks it. This
// lets tests simulate "the heap grows by one region mid-cycle" by
// calling AddRegion between CheckpointRootsInitial and
// MarkFromRoots/DoMarkingStep and observing that the new region is
// not claimed until the next cycle re-snapshots heap_end.
func (h *Heap) CommittedRegion() concmark.AddrRange {
	h.mu.RLock()
	defer h.mu.RUnlock()
	end := h.reserved.Start
	if n := len(h.regions); n > 0 {
		end = h.regions[n-1].endAddr
	}
	return concmark.AddrRange{Start: h.reserved.Start, End: end}
}

func (h *Heap) HeapRegionContaining(addr concmark.Addr) concmark.Region {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, r := range h.regions {
		if addr >= r.bottomAddr && addr < r.endAddr {
			return r
		}
	}
	return nil
}

func (h *Heap) HeapRegionIterate(fn concmark.RegionClosure) {
	h.mu.RLock()
	regions := append([]*Region(nil), h.regions...)
	h.mu.RUnlock()
	for _, r := range regions {
		if !fn(r) {
			return
		}
	}
}

// HeapRegionParIterateChunked claims each region exactly once per
// distinct claim value, regardless of how many goroutines call in
// concurrently or what workerID they pass: the claim token is
// per-region, CAS-guarded, and the caller's workerID is accepted only
// for interface fidelity with the original's worker-indexed claim
// arrays, not consulted for partitioning.
func (h *Heap) HeapRegionParIterateChunked(fn concmark.RegionClosure, workerID int, claim concmark.ClaimValue) {
	_ = workerID
	h.mu.RLock()
	regions := append([]*Region(nil), h.regions...)
	claims := h.claims
	h.mu.RUnlock()

	want := uint64(claim)
	for i, r := range regions {
		for {
			old := claims[i].Load()
			if old == want {
				break
			}
			if claims[i].CompareAndSwap(old, want) {
				if !fn(r) {
					return
				}
				break
			}
		}
	}
}

func (h *Heap) ObjectAt(addr concmark.Addr) concmark.Object {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o := h.objects[addr]
	if o == nil {
		return nil
	}
	return o
}

func (h *Heap) ProcessStrongRoots(includePerm bool, regular, perm concmark.OopClosure) {
	_ = includePerm
	h.mu.RLock()
	roots := append([]concmark.Addr(nil), h.roots...)
	h.mu.RUnlock()
	for _, r := range roots {
		regular(concmark.ObjectRef(r))
	}
	_ = perm
}

// SATBQueueSet is a fake write-barrier log: inflight holds each
// task's not-yet-completed buffer, completed holds buffers handed off
// by Enqueue (on reaching the buffer size) or by FlushInflight.
type SATBQueueSet struct {
	mu         sync.Mutex
	closures   map[int]concmark.OopClosure
	inflight   map[int][]concmark.ObjectRef
	completed  map[int][][]concmark.ObjectRef
	bufferSize int
	threshold  int
	activated  bool
}

func NewSATBQueueSet() *SATBQueueSet {
	return &SATBQueueSet{
		closures:  make(map[int]concmark.OopClosure),
		inflight:  make(map[int][]concmark.ObjectRef),
		completed: make(map[int][][]concmark.ObjectRef),
	}
}

func (s *SATBQueueSet) SetBufferSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferSize = n
}

func (s *SATBQueueSet) ActivateAllThreads() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activated = true
}

func (s *SATBQueueSet) SetProcessCompletedThreshold(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = n
}

func (s *SATBQueueSet) SetClosure(taskID int, closure concmark.OopClosure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closures[taskID] = closure
}

func (s *SATBQueueSet) ApplyClosureToCompletedBuffer(taskID int) bool {
	s.mu.Lock()
	qs := s.completed[taskID]
	if len(qs) == 0 {
		s.mu.Unlock()
		return false
	}
	buf := qs[0]
	s.completed[taskID] = qs[1:]
	closure := s.closures[taskID]
	s.mu.Unlock()

	if closure != nil {
		for _, ref := range buf {
			closure(ref)
		}
	}
	return true
}

func (s *SATBQueueSet) IterateClosureAllThreads(closure concmark.OopClosure) {
	s.mu.Lock()
	all := s.inflight
	s.inflight = make(map[int][]concmark.ObjectRef)
	s.mu.Unlock()

	for _, buf := range all {
		for _, ref := range buf {
			closure(ref)
		}
	}
}

func (s *SATBQueueSet) CompletedBufferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.completed {
		n += len(q)
	}
	return n
}

// Enqueue simulates a mutator write-barrier log append for taskID,
// completing (and queuing for drain) the buffer once it reaches the
// configured buffer size.
func (s *SATBQueueSet) Enqueue(taskID int, ref concmark.ObjectRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activated {
		return
	}
	buf := append(s.inflight[taskID], ref)
	if s.bufferSize > 0 && len(buf) >= s.bufferSize {
		s.completed[taskID] = append(s.completed[taskID], buf)
		s.inflight[taskID] = nil
	} else {
		s.inflight[taskID] = buf
	}
}

// FlushInflight forces every task's partial buffer to completed,
// regardless of size, so a test can force a drain without filling a
// buffer to capacity.
func (s *SATBQueueSet) FlushInflight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, buf := range s.inflight {
		if len(buf) > 0 {
			s.completed[id] = append(s.completed[id], buf)
			s.inflight[id] = nil
		}
	}
}

// ReferenceProcessor is a fake weak-reference collaborator: Discover
// simulates the write barrier logging a candidate weak reference
// during remark.
type ReferenceProcessor struct {
	mu         sync.Mutex
	discovered []concmark.ObjectRef
	enabled    bool
	enqueued   bool
}

func NewReferenceProcessor() *ReferenceProcessor { return &ReferenceProcessor{} }

func (p *ReferenceProcessor) EnableDiscovery() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
}

func (p *ReferenceProcessor) Discover(ref concmark.ObjectRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discovered = append(p.discovered, ref)
}

func (p *ReferenceProcessor) ProcessDiscoveredReferences(
	policy concmark.ReferenceDiscoverPolicy,
	isAlive func(ref concmark.ObjectRef) bool,
	keepAlive func(ref concmark.ObjectRef),
	drain func(),
	complete func(),
) {
	_ = policy
	p.mu.Lock()
	refs := p.discovered
	p.discovered = nil
	p.mu.Unlock()

	for _, ref := range refs {
		if !isAlive(ref) {
			keepAlive(ref)
		}
	}
	drain()
	complete()
}

func (p *ReferenceProcessor) EnqueueDiscoveredReferences() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued = true
}

// CardBitmap is a fake remembered-set card table, recording marked
// cards in a plain set keyed by card-aligned address.
type CardBitmap struct {
	mu       sync.Mutex
	marked   map[concmark.Addr]bool
	cardSize uintptr
}

func NewCardBitmap(cardSize uintptr) *CardBitmap {
	if cardSize == 0 {
		cardSize = 512
	}
	return &CardBitmap{marked: make(map[concmark.Addr]bool), cardSize: cardSize}
}

func (c *CardBitmap) MarkCardsForRange(r concmark.AddrRange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	card := r.Start - (r.Start % concmark.Addr(c.cardSize))
	for ; card < r.End; card += concmark.Addr(c.cardSize) {
		c.marked[card] = true
	}
}

func (c *CardBitmap) IsCardMarked(addr concmark.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	card := addr - (addr % concmark.Addr(c.cardSize))
	return c.marked[card]
}

func (c *CardBitmap) CardSize() uintptr { return c.cardSize }

// Safepoint is a fake safepoint-synchronization token. Join/Leave are
// no-ops (no real mutator threads to account for); RequestSafepoint
// and ReleaseSafepoint let a test simulate a pending stop-the-world
// request a worker's regular clock should observe.
type Safepoint struct {
	at atomic.Bool
}

func NewSafepoint() *Safepoint { return &Safepoint{} }

func (s *Safepoint) Join()  {}
func (s *Safepoint) Leave() {}

func (s *Safepoint) IsAtSafepoint() bool { return s.at.Load() }

func (s *Safepoint) RequestSafepoint() { s.at.Store(true) }
func (s *Safepoint) ReleaseSafepoint() { s.at.Store(false) }
