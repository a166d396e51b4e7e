package concmark

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// wordSizeBytes is the byte width of one heap word. The marker itself
// is word-addressed throughout; this constant only matters where
// spec.md asks for a byte count (live-bytes accounting).
const wordSizeBytes = 8

// CheckpointRootsInitial is stop-the-world phase 1 (spec §4.F item 1):
// reset the engine, record NTAMS on every non-continues-humongous
// region, activate SATB discovery, and gray every strong root.
func (cm *Coordinator) CheckpointRootsInitial() {
	cm.phase = PhaseInitialMark
	cm.cycleID = uuid.NewString()
	logger := phaseLogger(cm.logger, cm.cycleID, cm.phase)

	cm.nextBitmap.ClearRange(AddrRange{Start: cm.nextBitmap.Base(), End: cm.nextBitmap.Limit()}, nil)
	cm.markStack.Reset()
	cm.regionStack.Reset()
	cm.globalOverflow.Store(false)
	cm.globalAbort.Store(false)
	cm.restartForOverflow.Store(false)
	cm.rootRegionsScanned.Store(false)
	cm.fingerWord.Store(uint64(cm.heapStart))
	cm.cycleHeapEnd.Store(uint64(cm.heap.CommittedRegion().End))
	cm.claimGen.Add(1)
	cm.terminator.Reset()
	for _, t := range cm.tasks {
		t.reset()
	}

	cm.heap.HeapRegionIterate(func(r Region) bool {
		if !r.ContinuesHumongous() {
			r.NoteStartOfMarking()
			r.ResetGCTimeStamp()
		}
		return true
	})

	if cm.satb != nil {
		cm.satb.activateAllThreads()
		cm.satbActivated.Store(true)
	}

	cm.heap.ProcessStrongRoots(true, cm.GrayRoot, cm.GrayRoot)

	cm.markingInProgress.Store(true)
	logger.Info("initial mark complete")
}

// MarkFromRoots is concurrent phase 2 (spec §4.F item 2): it spawns
// the configured worker count and runs each one's do_marking_step in
// a loop until the task cleanly terminates or a global abort lands,
// sleeping between steps proportional to the configured overhead
// ratio. ctx cancellation is observed between steps, not mid-step —
// a step's own time/overflow/yield/SATB triggers are what make it
// abort promptly.
func (cm *Coordinator) MarkFromRoots(ctx context.Context) error {
	cm.phase = PhaseConcurrentMark
	logger := phaseLogger(cm.logger, cm.cycleID, cm.phase)
	logger.Info("concurrent mark started", zap.Int("workers", len(cm.tasks)))

	cm.waitForRootRegionScan()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range cm.tasks {
		t := t
		g.Go(func() error { return cm.runWorker(gctx, t) })
	}
	err := g.Wait()
	logger.Info("concurrent mark finished")
	return err
}

func (cm *Coordinator) runWorker(ctx context.Context, t *Task) error {
	for {
		if cm.globalAbort.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := time.Now()
		t.DoMarkingStep(cm.config.StepTimeTarget, true)
		busy := time.Since(start)

		if !t.HasAborted() {
			return nil
		}
		if t.LastAbortReason() == AbortGlobalAbort {
			return nil
		}
		if sleep := cm.stepSleep(busy); sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

// CheckpointRootsFinal is stop-the-world phase 3 (spec §4.F item 3):
// one more do_marking_step per worker with an effectively unbounded
// budget (re-aborting only on overflow), followed by weak-reference
// processing. It returns true iff an overflow occurred and the cycle
// must restart.
func (cm *Coordinator) CheckpointRootsFinal(clearAllSoftRefs bool) (restartForOverflow bool) {
	cm.phase = PhaseRemark
	logger := phaseLogger(cm.logger, cm.cycleID, cm.phase)

	if cm.globalAbort.Load() {
		logger.Info("remark short-circuited: cycle already aborted")
		return false
	}

	const unbounded = 365 * 24 * time.Hour
	for _, t := range cm.tasks {
		t.DoMarkingStep(unbounded, false)
	}

	cm.processWeakReferences(clearAllSoftRefs)

	if cm.markStack.Overflow() || cm.globalOverflow.Load() {
		cm.restartForOverflow.Store(true)
		logger.Info("remark led to restart for overflow")
		return true
	}

	if cm.satb != nil {
		cm.satbActivated.Store(false)
	}
	logger.Info("remark complete")
	return false
}

// processWeakReferences runs the reference-processor closures
// described in spec §4.F: is_alive is true for anything outside the
// heap or already marked, keep_alive marks and pushes the referent,
// and drain fully drains the global mark stack with a non-yielding
// variant (task 0's scanObject, with no abort checks).
func (cm *Coordinator) processWeakReferences(clearAllSoftRefs bool) {
	if cm.ref == nil {
		return
	}
	cm.ref.EnableDiscovery()

	policy := ReferenceDiscoverPolicy(0)
	if clearAllSoftRefs {
		policy = ReferenceDiscoverPolicy(1)
	}

	isAlive := func(ref ObjectRef) bool {
		addr := Addr(ref)
		if addr < cm.nextBitmap.Base() || addr >= cm.nextBitmap.Limit() {
			return true
		}
		return cm.nextBitmap.IsMarked(addr)
	}
	keepAlive := func(ref ObjectRef) {
		addr := Addr(ref)
		if cm.nextBitmap.ParMark(addr) {
			if !cm.markStack.ParPush(ref) {
				cm.globalOverflow.Store(true)
			}
		}
	}
	drain := func() {
		t := cm.tasks[0]
		buf := make([]ObjectRef, refillBatchSize)
		for {
			n := cm.markStack.ParPopBulk(refillBatchSize, buf)
			if n == 0 {
				return
			}
			for _, r := range buf[:n] {
				t.scanObject(r)
			}
		}
	}
	complete := func() { cm.ref.EnqueueDiscoveredReferences() }

	cm.ref.ProcessDiscoveredReferences(policy, isAlive, keepAlive, drain, complete)
}

// RegionLiveBytes pairs a region with the live-byte count the final
// counting pass attributed to it.
type RegionLiveBytes struct {
	Region    Region
	LiveBytes uintptr
}

// Cleanup is stop-the-world phase 4 (spec §4.F item 4): it computes
// per-region live bytes by re-scanning next, swaps prev<->next, and
// notes end-of-marking on every region. Freeing fully-dead regions
// and scrubbing the remembered set beyond what this pass itself marks
// stays with the external heap/collector policy, which is handed the
// per-region totals via the return value (and the live-garbage total
// via CompleteCleanup).
func (cm *Coordinator) Cleanup() []RegionLiveBytes {
	cm.phase = PhaseCleanup
	logger := phaseLogger(cm.logger, cm.cycleID, cm.phase)

	if cm.globalAbort.Load() {
		cm.markingInProgress.Store(false)
		logger.Info("cleanup short-circuited: cycle already aborted")
		return nil
	}

	results := cm.finalCountingPass()
	cm.swapBitmaps()

	cm.heap.HeapRegionIterate(func(r Region) bool {
		r.NoteEndOfMarking()
		return true
	})

	if cm.config.ScrubRememberedSets {
		cm.scrubRememberedSets(results)
	}

	cm.markingInProgress.Store(false)
	logger.Info("cleanup complete", zap.Int("regions", len(results)))
	return results
}

// finalCountingPass implements spec §4.F's "Final counting pass": for
// every non-continues-humongous region, iterate next over
// [top_at_conc_mark_count, NTAMS), marking cards and accumulating
// live bytes for every marked object, then mark cards for
// [NTAMS, top) as implicitly live. Per spec.md's "cleanup
// (stop-the-world plus parallel workers)", the pass is spread across
// the configured worker count using the heap's chunked claiming
// iterator, fanned out with the same errgroup.Group abstraction
// concurrent-mark's worker gang uses, rather than a second hand-rolled
// fan-out mechanism.
func (cm *Coordinator) finalCountingPass() []RegionLiveBytes {
	var (
		mu      sync.Mutex
		results []RegionLiveBytes
	)
	count := func(r Region) bool {
		if r.ContinuesHumongous() {
			return true
		}
		lo := r.TopAtConcMarkCount()
		if lo < r.Bottom() {
			lo = r.Bottom()
		}
		hi := r.NextTopAtMarkStart()

		var liveBytes uintptr
		cm.nextBitmap.Iterate(func(addr Addr) bool {
			obj := cm.heap.ObjectAt(addr)
			if obj == nil {
				return true
			}
			size := obj.Size()
			if cm.cards != nil {
				cm.cards.MarkCardsForRange(AddrRange{Start: addr, End: addr + Addr(size)})
			}
			liveBytes += size * wordSizeBytes
			return true
		}, lo, hi)

		top := r.Top()
		if cm.cards != nil && top > hi {
			cm.cards.MarkCardsForRange(AddrRange{Start: hi, End: top})
		}

		r.SetTopAtConcMarkCount(hi)
		if liveBytes > 0 {
			r.AddToMarkedBytes(liveBytes)
		}
		r.SetLiveness(liveBytes > 0)

		mu.Lock()
		results = append(results, RegionLiveBytes{Region: r, LiveBytes: liveBytes})
		mu.Unlock()
		return true
	}

	claim := ClaimValue(cm.claimGen.Load())
	var g errgroup.Group
	for workerID := range cm.tasks {
		workerID := workerID
		g.Go(func() error {
			cm.heap.HeapRegionParIterateChunked(count, workerID, claim)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// swapBitmaps atomically exchanges the roles of prev and next: the
// cycle that just completed leaves its work in next, which becomes
// the new prev for the next cycle's readers (Component A invariant:
// "a successful cycle ends by atomically swapping the roles of prev
// and next").
func (cm *Coordinator) swapBitmaps() {
	cm.prevBitmap, cm.nextBitmap = cm.nextBitmap, cm.prevBitmap
}

// scrubRememberedSets is a best-effort hook: the card bitmap built by
// finalCountingPass is the input a real remembered-set scrubber would
// consume to drop cross-region references into now-fully-dead
// regions. The scrubbing policy itself belongs to the (out-of-scope)
// remembered-set implementation; this package only guarantees the
// card bitmap it handed back is accurate.
func (cm *Coordinator) scrubRememberedSets(_ []RegionLiveBytes) {}

// CompleteCleanup hands the known-garbage total (capacity minus live
// bytes, summed over every counted region) to the collector policy,
// and optionally logs a diagnostic summary (spec's
// "print parallel cleanup stats" knob).
func (cm *Coordinator) CompleteCleanup(results []RegionLiveBytes) (knownGarbageBytes uintptr) {
	var totalLive, totalCapacity uintptr
	for _, rl := range results {
		totalLive += rl.LiveBytes
		totalCapacity += uintptr(rl.Region.End() - rl.Region.Bottom())
	}
	if totalCapacity > totalLive {
		knownGarbageBytes = totalCapacity - totalLive
	}
	if cm.config.PrintParallelCleanupStats {
		cm.logger.Info("parallel cleanup stats",
			zap.String("cycle_id", cm.cycleID),
			zap.Uint64("live_bytes", uint64(totalLive)),
			zap.Uint64("garbage_bytes", uint64(knownGarbageBytes)))
	}
	cm.phase = PhaseIdle
	return knownGarbageBytes
}

// Abort is the full-GC hook (spec §5, "Cancellation"): it clears
// next entirely, clears marking state, clears every task's region
// fields, and disables SATB activation. Any in-flight DoMarkingStep
// observes globalAbort at its next regular clock and returns;
// stop-the-world phases observe it at entry and short-circuit to
// "marking complete" so the external sweeper is not confused by
// partial bitmaps.
func (cm *Coordinator) Abort() {
	cm.globalAbort.Store(true)
	cm.nextBitmap.ClearRange(AddrRange{Start: cm.nextBitmap.Base(), End: cm.nextBitmap.Limit()}, nil)
	cm.markStack.Reset()
	cm.regionStack.Reset()
	for _, t := range cm.tasks {
		t.reset()
		t.setAborted(AbortGlobalAbort)
	}
	cm.satbActivated.Store(false)
	cm.markingInProgress.Store(false)
	cm.logger.Info("marking cycle aborted for full collection", zap.String("cycle_id", cm.cycleID))
}
