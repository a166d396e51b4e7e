package concmark

import "time"

// moveChunkSize is how many references Task.push moves from the
// local queue to the global mark stack in one go when the local
// queue is full, amortizing the CAS on the global stack's index over
// a whole chunk the way the teacher's gcWork.put amortizes global-list
// traffic by swapping whole work buffers rather than single entries.
const moveChunkSize = 64

// refillBatchSize is how many references Task.drainGlobalStack pulls
// out of the global mark stack per ParPopBulk call.
const refillBatchSize = 128

// TaskStats accumulates the diagnostic counters the original
// collector's CMTask::print_stats reports; spec.md only requires the
// flags themselves, but the counters are cheap and useful for test
// assertions distinguishing *why* a cycle restarted.
type TaskStats struct {
	AbortedCount        int64
	TimedOutCount       int64
	OverflowAbortCount  int64
	SATBAbortCount      int64
	YieldAbortCount     int64
	GlobalAbortCount    int64
	ScanWork            int64
	AccumulatedWallTime time.Duration
}

// Task is the per-worker marking state machine (Component E). Every
// field below is owned exclusively by the task's own goroutine except
// where noted; per spec §5, "per-task mutable state is never read
// concurrently by peers" — the one deliberate exception is the
// work-stealing deque, which is built for exactly that access
// pattern (workqueue.go).
type Task struct {
	id int
	cm *Coordinator

	localQueue *deque
	seed       splitmix64

	currentRegion Region
	localFinger   Addr
	regionLimit   Addr
	regionFinger  Addr

	hasAborted     bool
	abortReason    AbortReason
	overflowReason OverflowReason

	wordsScanned   int64
	refsReached    int64
	lastClockWords int64
	lastClockRefs  int64

	drainingSATB bool
	concurrent   bool

	stepStart  time.Time
	stepBudget time.Duration
	residual   time.Duration

	stats TaskStats
}

func newTask(id int, cm *Coordinator, queueCap int) *Task {
	return &Task{
		id:         id,
		cm:         cm,
		localQueue: newDeque(queueCap),
		seed:       splitmix64(1442695040888963407 + uint64(id)*2685821657736338717),
	}
}

// Stats returns a snapshot of this task's diagnostic counters.
func (t *Task) Stats() TaskStats { return t.stats }

// reset clears per-cycle region state and aborted flags (spec §4.E
// "reset(next_bitmap)"). The bitmap argument in the original names
// which bitmap the task will scan against; in this package that is
// always Coordinator.next, so reset takes no arguments.
func (t *Task) reset() {
	t.currentRegion = nil
	t.localFinger = 0
	t.regionLimit = 0
	t.regionFinger = 0
	t.hasAborted = false
	t.abortReason = AbortNone
	t.overflowReason = OverflowNone
	t.localQueue.reset()
}

func (t *Task) setAborted(reason AbortReason) {
	if t.hasAborted {
		return
	}
	t.hasAborted = true
	t.abortReason = reason
	t.stats.AbortedCount++
	switch reason {
	case AbortTimedOut:
		t.stats.TimedOutCount++
	case AbortOverflow:
		t.stats.OverflowAbortCount++
	case AbortSATB:
		t.stats.SATBAbortCount++
	case AbortYield:
		t.stats.YieldAbortCount++
	case AbortGlobalAbort:
		t.stats.GlobalAbortCount++
	}
}

// dealWithReference implements spec §4.E's deal_with_reference: mark
// ref if it is still white and below NTAMS, then decide whether the
// calling task must push it or may rely on some other scan to reach
// it.
func (t *Task) dealWithReference(ref ObjectRef) {
	addr := Addr(ref)
	if addr == 0 {
		return
	}
	hr := t.cm.heap.HeapRegionContaining(addr)
	if hr == nil {
		return
	}
	if addr >= hr.NextTopAtMarkStart() {
		// Implicitly live since NTAMS; never traced.
		return
	}
	if !t.cm.nextBitmap.ParMark(addr) {
		return
	}

	gf := t.cm.finger()
	switch {
	case t.currentRegion != nil && addr < t.localFinger:
		t.push(ref)
	case t.currentRegion != nil && addr >= t.currentRegion.Bottom() && addr < t.regionLimit:
		// Within the region this task is already scanning, ahead of
		// local_finger: the ongoing iteration will reach it.
	case addr < gf:
		t.push(ref)
	default:
		// A future claimant's bitmap iteration will observe the mark.
	}
}

// scanObject iterates ref's reference slots via the heap's oop
// iteration capability, accumulating scan-work statistics.
func (t *Task) scanObject(ref ObjectRef) {
	obj := t.cm.heap.ObjectAt(Addr(ref))
	if obj == nil {
		return
	}
	if obj.IsForwarded() {
		ref = obj.Forwardee()
		obj = t.cm.heap.ObjectAt(Addr(ref))
		if obj == nil {
			return
		}
	}
	obj.OopIterate(func(slot ObjectRef) {
		t.refsReached++
		t.dealWithReference(slot)
	})
	t.wordsScanned += int64(obj.Size())
	t.stats.ScanWork += int64(obj.Size())
}

// push enqueues ref onto the local queue, spilling a chunk to the
// global mark stack on local overflow, and aborting with
// AbortOverflow if the global mark stack itself cannot absorb the
// spill.
func (t *Task) push(ref ObjectRef) {
	if t.localQueue.push(ref) {
		return
	}

	chunk := make([]ObjectRef, 0, moveChunkSize)
	for i := 0; i < moveChunkSize; i++ {
		r, ok := t.localQueue.popLocal()
		if !ok {
			break
		}
		chunk = append(chunk, r)
	}
	if len(chunk) > 0 && !t.cm.markStack.ParPushBulk(chunk) {
		t.cm.globalOverflow.Store(true)
		t.overflowReason = OverflowTaskQueueSpill
		t.setAborted(AbortOverflow)
		return
	}
	if !t.localQueue.push(ref) {
		if !t.cm.markStack.ParPush(ref) {
			t.cm.globalOverflow.Store(true)
			t.overflowReason = OverflowTaskQueueSpill
			t.setAborted(AbortOverflow)
		}
	}
}

func (t *Task) partialTarget(capacity int) int {
	return int(float64(capacity) * t.cm.config.PartialDrainTargetFraction)
}

// drainLocalQueue pops and scans until the local queue's size reaches
// the target: one third of capacity (configurable) for a partial
// drain, zero for a full drain.
func (t *Task) drainLocalQueue(partial bool) {
	target := 0
	if partial {
		target = t.partialTarget(len(t.localQueue.buf))
	}
	for !t.hasAborted && t.localQueue.size() > target {
		ref, ok := t.localQueue.popLocal()
		if !ok {
			break
		}
		t.scanObject(ref)
	}
}

// drainGlobalStack refills the local queue from the global mark stack
// while the global stack exceeds the target size, draining the local
// queue after each refill.
func (t *Task) drainGlobalStack(partial bool) {
	target := 0
	if partial {
		target = t.partialTarget(len(t.cm.markStack.refs))
	}
	buf := make([]ObjectRef, refillBatchSize)
	for !t.hasAborted && t.cm.markStack.Len() > target {
		n := t.cm.markStack.ParPopBulk(refillBatchSize, buf)
		if n == 0 {
			break
		}
		for _, r := range buf[:n] {
			t.push(r)
		}
		t.drainLocalQueue(partial)
	}
}

// drainSATBBuffers claims and applies the marking closure to
// completed SATB buffers until none remain or the regular clock
// demands an abort. When final is true (remark), it additionally
// sweeps every mutator thread's in-flight buffer afterward.
func (t *Task) drainSATBBuffers(final bool) {
	if t.cm.satb == nil {
		return
	}
	t.drainingSATB = true
	for !t.hasAborted {
		if !t.cm.satb.drainOne(t.id) {
			break
		}
		t.regularClock()
	}
	if final && !t.hasAborted {
		t.cm.satb.rescanAllThreads(t.dealWithReference)
	}
	t.drainingSATB = false
}

// regularClock is armed by cumulative words-scanned/refs-reached
// thresholds; when it fires it recomputes nothing here (region limits
// are re-read where they are consumed) and checks, in order: overflow
// latched, non-concurrent early return, global abort, yield request,
// elapsed time, and SATB buffer pressure (spec §4.E "Regular clock").
func (t *Task) regularClock() {
	if t.hasAborted {
		return
	}
	if t.wordsScanned-t.lastClockWords < t.cm.config.WordsScannedPeriod &&
		t.refsReached-t.lastClockRefs < t.cm.config.RefsReachedPeriod {
		return
	}
	t.lastClockWords = t.wordsScanned
	t.lastClockRefs = t.refsReached

	if t.cm.globalOverflow.Load() {
		t.setAborted(AbortOverflow)
		return
	}
	if !t.concurrent {
		return
	}
	if t.cm.globalAbort.Load() {
		t.setAborted(AbortGlobalAbort)
		return
	}
	if t.cm.sts != nil && t.cm.sts.IsAtSafepoint() {
		t.setAborted(AbortYield)
		return
	}
	if time.Since(t.stepStart) > t.stepBudget {
		t.setAborted(AbortTimedOut)
		return
	}
	if !t.drainingSATB && t.cm.satb != nil && t.cm.satb.completedBufferCount() > t.cm.config.SATBProcessCompletedThreshold {
		t.setAborted(AbortSATB)
		return
	}
}

func (t *Task) nextWordAfter(addr Addr) Addr {
	return addr + t.cm.nextBitmap.WordSize()
}

// drainRegionStack pops sub-regions off the global region stack and
// rescans each one's marked objects against the next bitmap until the
// region stack is empty or an abort interrupts the scan, in which
// case the unscanned remainder is pushed back (spec §4.E
// "drain_region_stack").
func (t *Task) drainRegionStack() {
	for {
		mr, ok := t.cm.regionStack.Pop()
		if !ok {
			return
		}
		completed := t.cm.nextBitmap.Iterate(func(addr Addr) bool {
			t.regionFinger = addr
			t.scanObject(ObjectRef(addr))
			t.drainLocalQueue(true)
			t.drainGlobalStack(true)
			return !t.hasAborted
		}, mr.Start, mr.End)
		if !completed {
			next := t.nextWordAfter(t.regionFinger)
			if next < mr.End {
				t.cm.regionStack.Push(AddrRange{Start: next, End: mr.End})
			}
			t.regionFinger = 0
			return
		}
		t.regionFinger = 0
	}
}

// claimRegionsLoop implements spec §4.E step 6: claim unclaimed
// regions off the global finger and scan each one's marked objects
// against the next bitmap, pausing (leaving local_finger where it
// stands) the moment an abort fires mid-scan so the next step resumes
// exactly there.
func (t *Task) claimRegionsLoop() {
	heapEnd := t.cm.cycleEnd()
	for !t.hasAborted {
		if t.currentRegion == nil {
			finger := t.cm.finger()
			if finger >= heapEnd {
				return
			}
			hr := t.cm.heap.HeapRegionContaining(finger)
			if hr == nil {
				return
			}
			end := hr.End()
			if !t.cm.casFinger(finger, end) {
				continue // finger moved under us; re-read and retry
			}
			if hr.ContinuesHumongous() {
				// Never claimed for scanning; its start-region
				// carries the liveness bit. Just move past it.
				t.regularClock()
				continue
			}
			t.currentRegion = hr
			ntams := hr.NextTopAtMarkStart()
			t.regionLimit = ntams
			if ntams == hr.Bottom() {
				t.localFinger = hr.Bottom() // empty-region adjustment
			} else {
				t.localFinger = hr.Bottom()
			}
		} else {
			limit := t.currentRegion.NextTopAtMarkStart()
			t.regionLimit = limit
			completed := t.cm.nextBitmap.Iterate(func(addr Addr) bool {
				t.localFinger = addr
				t.scanObject(ObjectRef(addr))
				t.drainLocalQueue(true)
				t.drainGlobalStack(true)
				return !t.hasAborted
			}, t.localFinger, limit)
			if completed {
				t.currentRegion = nil
			} else {
				t.regularClock()
				return
			}
		}
		t.regularClock()
	}
}

// stealLoop tries to steal one reference at a time from a random peer
// until a steal fails, at which point concurrent-mark has genuinely
// run out of work for this task.
func (t *Task) stealLoop() {
	peers := t.cm.tasks
	if len(peers) <= 1 {
		return
	}
	for !t.hasAborted {
		peer := peers[t.seed.next(len(peers))]
		if peer == t {
			continue
		}
		ref, ok := peer.localQueue.steal()
		if !ok {
			break
		}
		t.scanObject(ref)
		t.drainLocalQueue(false)
		t.drainGlobalStack(false)
	}
}

func (t *Task) bailOut() bool {
	return !t.cm.markStack.Empty() || t.hasAborted
}

// updateResidual feeds this step's overshoot (if any) into the
// rolling predictor consulted by the next call's time-budget
// adjustment.
func (t *Task) updateResidual(elapsed time.Duration) {
	overshoot := elapsed - t.stepBudget
	if overshoot < 0 {
		overshoot = 0
	}
	t.residual = (t.residual + overshoot) / 2
}

// enterOverflowBarriers runs the two-barrier overflow-restart
// rendezvous described in spec §4.E step 9. The first barrier's
// action (registered once, at Coordinator construction) clears all
// global marking state and every task's local queue; each task then
// clears its own region-scanning fields before entering the second
// barrier, after which the cycle restarts from bitmap scanning.
func (t *Task) enterOverflowBarriers() {
	t.cm.firstOverflowBarrier.Await(t.cm.sts)
	t.currentRegion = nil
	t.localFinger = 0
	t.regionLimit = 0
	t.regionFinger = 0
	t.cm.secondOverflowBarrier.Await(t.cm.sts)
}

// DoMarkingStep is the restartable top-level marking step (spec
// §4.E, "The marking step (central algorithm)"). timeTarget bounds
// this call's wall-clock budget; concurrent indicates whether this
// call may legitimately be interrupted by yield/global-abort/SATB
// pressure (false during the stop-the-world remark call, which only
// re-aborts on overflow).
func (t *Task) DoMarkingStep(timeTarget time.Duration, concurrent bool) {
	t.stepStart = time.Now()
	adjusted := timeTarget - t.residual
	if adjusted < 0 {
		adjusted = 0
	}
	t.stepBudget = adjusted
	t.concurrent = concurrent

	t.wordsScanned = 0
	t.refsReached = 0
	t.lastClockWords = 0
	t.lastClockRefs = 0
	t.hasAborted = false
	t.abortReason = AbortNone

	// Step 3: a global overflow already latched aborts this task
	// immediately, before any draining, so it enters the overflow
	// barrier protocol cleanly (spec §9 open question: preserve).
	if t.cm.globalOverflow.Load() {
		t.setAborted(AbortOverflow)
	}

	if !t.hasAborted {
		t.drainSATBBuffers(false)
	}
	if !t.hasAborted {
		t.drainLocalQueue(true)
		t.drainGlobalStack(true)
	}
	if !t.hasAborted {
		t.drainRegionStack()
	}
	if !t.hasAborted {
		t.drainLocalQueue(true)
		t.drainGlobalStack(true)
	}
	if !t.hasAborted {
		t.claimRegionsLoop()
	}

	if !t.hasAborted {
		t.drainSATBBuffers(!concurrent)
		t.drainLocalQueue(false)
		t.drainGlobalStack(false)
		t.stealLoop()
	}
	if !t.hasAborted {
		terminated := t.Terminate()
		if terminated {
			if concurrent && t.id == 0 {
				t.cm.markingInProgress.Store(false)
			}
		} else {
			// The terminator withdrew this task's offer because the
			// global mark stack (or this task itself) has more work.
			// The original's do_marking_step sets has_aborted here
			// ("Apparently there's more work to do") precisely so the
			// outer worker loop re-enters this step instead of
			// retiring the task while work remains — without this,
			// a task that sees its offer rejected returns as if
			// cleanly done, permanently shrinking the party below
			// what the Terminator and the overflow barriers still
			// expect from every remaining worker.
			t.setAborted(AbortMoreWork)
		}
	}

	elapsed := time.Since(t.stepStart)
	t.stats.AccumulatedWallTime += elapsed

	if t.hasAborted {
		switch t.abortReason {
		case AbortTimedOut:
			t.updateResidual(elapsed)
		case AbortOverflow:
			t.enterOverflowBarriers()
		}
	}
}

// Terminate offers this task into the shared distributed termination
// protocol, returning true iff the whole party has terminated.
func (t *Task) Terminate() bool {
	return t.cm.terminator.Offer(t.bailOut, t.cm.sts)
}

// HasAborted, LastAbortReason, and LastOverflowReason expose the
// task's current abort state, primarily for tests.
func (t *Task) HasAborted() bool                   { return t.hasAborted }
func (t *Task) LastAbortReason() AbortReason       { return t.abortReason }
func (t *Task) LastOverflowReason() OverflowReason { return t.overflowReason }
