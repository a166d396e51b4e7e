package concmark

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Phase identifies which of the four stop-the-world/concurrent phases
// the coordinator is currently driving (spec §2, "Control flow").
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInitialMark
	PhaseConcurrentMark
	PhaseRemark
	PhaseCleanup
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitialMark:
		return "initial-mark"
	case PhaseConcurrentMark:
		return "concurrent-mark"
	case PhaseRemark:
		return "remark"
	case PhaseCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Coordinator owns the bitmaps, stacks, tasks, and the global finger,
// and drives the four-phase cycle (Component F). It is the engine's
// single entry point; callers external to this package only ever
// touch a *Coordinator.
type Coordinator struct {
	config Config
	heap   Heap
	satb   *satbIngestor
	ref    ReferenceProcessor
	cards  CardBitmap
	sts    SafepointToken
	logger *zap.Logger

	prevBitmap *Bitmap
	nextBitmap *Bitmap

	markStack   *MarkStack
	regionStack *RegionStack

	tasks      []*Task
	terminator *Terminator

	firstOverflowBarrier  *CyclicBarrier
	secondOverflowBarrier *CyclicBarrier

	fingerWord atomic.Uint64

	globalOverflow     atomic.Bool
	globalAbort        atomic.Bool
	markingInProgress  atomic.Bool
	restartForOverflow atomic.Bool
	satbActivated      atomic.Bool
	rootRegionsScanned atomic.Bool

	heapStart    Addr
	cycleHeapEnd atomic.Uint64
	// claimGen is bumped once per CheckpointRootsInitial and used as
	// the ClaimValue for cleanup's chunked parallel region iteration,
	// so a region claimed during one cycle's final counting pass is
	// not mistaken for already-claimed in a later cycle over the same
	// Coordinator (HeapRegionParIterateChunked's claim tokens are
	// per-region and latch until the claim value changes).
	claimGen atomic.Uint32
	phase    Phase
	cycleID  string
}

// New constructs a Coordinator, allocating the prev/next bitmaps and
// the global stacks against the heap's reserved address range. It
// fails with ErrInvalidConfig if cfg does not validate, and with
// ErrResourceExhausted if a bitmap or stack cannot be allocated;
// resource exhaustion at construction is fatal per spec §7.1.
func New(cfg Config, heap Heap, satb SATBQueueSet, ref ReferenceProcessor, cards CardBitmap, sts SafepointToken, logger *zap.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = newNopLogger()
	}
	reserved := heap.ReservedRegion()

	prev, err := NewBitmap(reserved.Start, reserved.End, cfg.ObjectAlignmentShift)
	if err != nil {
		return nil, err
	}
	next, err := NewBitmap(reserved.Start, reserved.End, cfg.ObjectAlignmentShift)
	if err != nil {
		return nil, err
	}
	markStack, err := NewMarkStack(cfg.MarkStackSize)
	if err != nil {
		return nil, err
	}
	regionStack, err := NewRegionStack(cfg.RegionStackSize)
	if err != nil {
		return nil, err
	}

	cm := &Coordinator{
		config:      cfg,
		heap:        heap,
		satb:        newSATBIngestor(satb, cfg.SATBBufferSize),
		ref:         ref,
		cards:       cards,
		sts:         sts,
		logger:      logger,
		prevBitmap:  prev,
		nextBitmap:  next,
		markStack:   markStack,
		regionStack: regionStack,
		heapStart:   reserved.Start,
		phase:       PhaseIdle,
	}
	cm.fingerWord.Store(uint64(reserved.Start))

	n := cfg.workerCount()
	cm.tasks = make([]*Task, n)
	for i := range cm.tasks {
		cm.tasks[i] = newTask(i, cm, cfg.TaskQueueMaxElements)
	}
	cm.terminator = NewTerminator(n)
	cm.firstOverflowBarrier = NewCyclicBarrier(n, cm.clearGlobalStateForRestart)
	cm.secondOverflowBarrier = NewCyclicBarrier(n, nil)

	if satb != nil {
		satb.SetBufferSize(cfg.SATBBufferSize)
		satb.SetProcessCompletedThreshold(cfg.SATBProcessCompletedThreshold)
		cm.satb.wire(cm.tasks)
	}

	return cm, nil
}

func (cm *Coordinator) finger() Addr { return Addr(cm.fingerWord.Load()) }

// cycleEnd returns the heap_end snapshot taken at this cycle's
// initial-mark. Per spec.md §8 scenario 6 ("concurrent expansion"),
// the committed heap may grow between initial-mark and
// concurrent-mark, but update_committed(force=false) declines to
// extend heap_end during marking — so the region-claiming loop must
// consult this cycle-scoped snapshot rather than re-querying the
// heap's live committed region on every step.
func (cm *Coordinator) cycleEnd() Addr { return Addr(cm.cycleHeapEnd.Load()) }

// String renders the coordinator's current phase, global finger, and
// overflow/abort latches, in the spirit of the original's
// print_finger()/print_on() diagnostics. It is meant for test failure
// messages and ad-hoc debugging, not for structured logging — log.go's
// phaseLogger covers that.
func (cm *Coordinator) String() string {
	return fmt.Sprintf(
		"Coordinator{cycle=%s phase=%s finger=%#x overflow=%t abort=%t in_progress=%t}",
		cm.cycleID, cm.phase, cm.finger(), cm.globalOverflow.Load(), cm.globalAbort.Load(), cm.markingInProgress.Load(),
	)
}

func (cm *Coordinator) casFinger(old, new Addr) bool {
	return cm.fingerWord.CompareAndSwap(uint64(old), uint64(new))
}

// clearGlobalStateForRestart is the first overflow barrier's action:
// it runs exactly once per rendezvous (spec §4.E step 9, "Task 0
// clears global marking state").
func (cm *Coordinator) clearGlobalStateForRestart() {
	cm.markStack.Reset()
	cm.regionStack.Reset()
	cm.globalOverflow.Store(false)
	cm.fingerWord.Store(uint64(cm.heapStart))
	for _, t := range cm.tasks {
		t.localQueue.reset()
	}
	cm.logger.Info("marking cycle restarting after overflow",
		zap.String("cycle_id", cm.cycleID))
}

// Phase reports the phase the coordinator is currently in.
func (cm *Coordinator) Phase() Phase { return cm.phase }

// CycleID returns the UUID stamped on the cycle currently (or most
// recently) in progress, for log correlation across workers.
func (cm *Coordinator) CycleID() string { return cm.cycleID }

// MarkStack, RegionStack, NextBitmap, PrevBitmap expose the owned
// data structures for the package's other exported entry points
// (oops_do-style fix-up passes, tests) without re-deriving them.
func (cm *Coordinator) MarkStack() *MarkStack     { return cm.markStack }
func (cm *Coordinator) RegionStack() *RegionStack { return cm.regionStack }
func (cm *Coordinator) NextBitmap() *Bitmap       { return cm.nextBitmap }
func (cm *Coordinator) PrevBitmap() *Bitmap       { return cm.prevBitmap }

// MarkingInProgress reports the marking-in-progress flag: set by
// CheckpointRootsInitial, cleared when task 0's concurrent marking
// step terminates successfully, by Cleanup, or by Abort.
// CheckpointRootsFinal does not change it.
func (cm *Coordinator) MarkingInProgress() bool { return cm.markingInProgress.Load() }

// GrayRoot is called by the root-scanning closure during
// initial-mark: it grays a single reachable root reference.
func (cm *Coordinator) GrayRoot(ref ObjectRef) {
	addr := Addr(ref)
	if addr == 0 {
		return
	}
	hr := cm.heap.HeapRegionContaining(addr)
	if hr == nil || addr >= hr.NextTopAtMarkStart() {
		return
	}
	if cm.nextBitmap.ParMark(addr) {
		cm.markStack.ParPush(ref)
	}
}

// DealWithReference is called by SATB ingestion and in-collection-set
// completion outside of a task's own step; it delegates to task 0's
// closure, matching the original's single shared entry point.
func (cm *Coordinator) DealWithReference(ref ObjectRef) {
	if len(cm.tasks) == 0 {
		return
	}
	cm.tasks[0].dealWithReference(ref)
}

// MarkStackPush and MarkStackPop expose the global mark stack for
// internal task use and oops_do-style callers outside a task's own
// step.
func (cm *Coordinator) MarkStackPush(ref ObjectRef) bool { return cm.markStack.ParPush(ref) }
func (cm *Coordinator) MarkStackPop(max int, out []ObjectRef) int {
	return cm.markStack.ParPopBulk(max, out)
}

// RegionStackPush and RegionStackPop expose the global region stack
// analogously.
func (cm *Coordinator) RegionStackPush(mr AddrRange) bool   { return cm.regionStack.Push(mr) }
func (cm *Coordinator) RegionStackPop() (AddrRange, bool)   { return cm.regionStack.Pop() }

// RegisterCsetRegion is called by the evacuator before forming a
// collection set: it invalidates region-stack entries pointing into
// the newly formed collection-set region.
func (cm *Coordinator) RegisterCsetRegion(hr Region) {
	cm.regionStack.InvalidateEntriesIntoCSet(func(mr AddrRange) bool {
		return mr.Start >= hr.Bottom() && mr.Start < hr.End()
	})
}

// NewCSet is a no-op hook preserved for interface fidelity with the
// original: callers invoke it after a collection set is formed. There
// is currently nothing this package itself needs to reset at that
// point beyond what RegisterCsetRegion already did per-region.
func (cm *Coordinator) NewCSet() {}

// ContainsCardIsMarked answers the remembered-set scrubber's card
// bitmap query.
func (cm *Coordinator) ContainsCardIsMarked(addr Addr) bool {
	if cm.cards == nil {
		return false
	}
	return cm.cards.IsCardMarked(addr)
}

// OopsDo visits every live entry currently on the global mark stack,
// for GC-reference fix-ups during evacuation.
func (cm *Coordinator) OopsDo(closure func(ref ObjectRef)) {
	cm.markStack.OopsDo(cm.markStack.Len(), closure)
}

// waitForRootRegionScan blocks until NoteRootRegionScanComplete has
// been called. It is the small supplemental feature described in
// SPEC_FULL.md §3 (root-region rescan gate), ported from the
// original's G1CMRootRegions::wait_until_scan_finished.
func (cm *Coordinator) waitForRootRegionScan() {
	for !cm.rootRegionsScanned.Load() {
		time.Sleep(time.Millisecond)
	}
}

// NoteRootRegionScanComplete signals that the root-region rescan
//(survivor regions, scanned between initial-mark and the first
// concurrent step) has finished.
func (cm *Coordinator) NoteRootRegionScanComplete() { cm.rootRegionsScanned.Store(true) }

// stepSleep computes the between-step sleep the coordinator inserts
// in concurrent-mark, proportional to the configured overhead ratio:
// a worker that just spent `busy` doing useful work sleeps
// busy*(100-pct)/pct before its next step, so that over time it
// spends roughly pct percent of its wall-clock marking.
func (cm *Coordinator) stepSleep(busy time.Duration) time.Duration {
	pct := cm.config.MarkingOverheadPercent
	if pct <= 0 || pct >= 100 {
		return 0
	}
	return busy * time.Duration(100-pct) / time.Duration(pct)
}
