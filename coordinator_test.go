package concmark

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coriolisgc/concmark/internal/simheap"
)

// The scenarios below follow spec.md §8's "Concrete end-to-end
// scenarios (seeds for the test suite)" numbering.

func newCycleCoordinator(t *testing.T, heap *simheap.Heap, satb *simheap.SATBQueueSet) *Coordinator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ParallelMarkingThreads = 1
	cfg.MarkStackSize = 64
	cfg.RegionStackSize = 16
	cfg.TaskQueueMaxElements = 32
	cfg.StepTimeTarget = time.Second

	var cm *Coordinator
	var err error
	if satb != nil {
		cm, err = New(cfg, heap, satb, nil, nil, nil, nil)
	} else {
		cm, err = New(cfg, heap, nil, nil, nil, nil, nil)
	}
	require.NoError(t, err)
	return cm
}

// runFullCycle drives the four-phase cycle to completion, failing the
// test on an unexpected overflow restart signal from remark. An
// overflow that is recovered during concurrent-mark (the overflow
// scenario) does not reach remark, so that scenario uses it too.
func runFullCycle(t *testing.T, cm *Coordinator) []RegionLiveBytes {
	t.Helper()
	cm.CheckpointRootsInitial()
	cm.NoteRootRegionScanComplete()
	require.NoError(t, cm.MarkFromRoots(context.Background()))
	require.False(t, cm.CheckpointRootsFinal(false), "unexpected overflow restart")
	return cm.Cleanup()
}

// Scenario 1: single region, all live. A linked chain of 8 objects of
// 16 words each, rooted at the first; every object must end up marked
// and the region's live-byte total must equal the chain's full size.
func TestScenarioSingleRegionAllLive(t *testing.T) {
	const n = 8
	const objWords = 16
	heap, addrs := buildLinearHeap(t, n, objWords)
	cm := newCycleCoordinator(t, heap, nil)

	results := runFullCycle(t, cm)

	for _, a := range addrs {
		assert.True(t, cm.PrevBitmap().IsMarked(a), "addr %#x should be marked", a)
	}
	var totalLive uintptr
	for _, rl := range results {
		totalLive += rl.LiveBytes
	}
	assert.EqualValues(t, n*objWords*wordSizeBytes, totalLive)
	assert.Equal(t, addrs[len(addrs)-1]+Addr(objWords*wordSizeBytes), cm.finger())
}

// Scenario 2: unreachable tail. Same chain, but the pointer from the
// second object to the third is zeroed before the cycle begins, so
// only the first two objects are reachable from the root.
func TestScenarioUnreachableTail(t *testing.T) {
	const objWords = 16
	heap := simheap.NewHeap(0x1000, 4*objWords*wordSizeBytes)
	region := heap.AddRegion(4 * objWords * wordSizeBytes)

	objs := make([]*simheap.Object, 3)
	addrs := make([]Addr, 3)
	for i := range objs {
		objs[i] = heap.AllocateObject(region, objWords)
		addrs[i] = objs[i].Addr()
	}
	objs[0].SetRefs(addrs[1])
	objs[1].SetRefs(0) // mutator-visible null: the link to objs[2] is severed
	heap.AddRoot(addrs[0])

	cm := newCycleCoordinator(t, heap, nil)
	results := runFullCycle(t, cm)

	assert.True(t, cm.PrevBitmap().IsMarked(addrs[0]))
	assert.True(t, cm.PrevBitmap().IsMarked(addrs[1]))
	assert.False(t, cm.PrevBitmap().IsMarked(addrs[2]), "object reachable only through the severed pointer must stay white")

	var totalLive uintptr
	for _, rl := range results {
		totalLive += rl.LiveBytes
	}
	assert.EqualValues(t, 2*objWords*wordSizeBytes, totalLive)
}

// Scenario 3: overflow restart. A mark stack sized far smaller than
// the root's fan-out forces an overflow partway through the scan; the
// two-barrier restart protocol must bring the cycle back to a clean
// completion with every object marked.
func TestScenarioOverflowRestart(t *testing.T) {
	const fanout = 10
	const objWords = 4
	regionBytes := uintptr(fanout+1) * objWords * wordSizeBytes
	heap := simheap.NewHeap(0x1000, regionBytes)
	region := heap.AddRegion(regionBytes)

	children := make([]*simheap.Object, fanout)
	childAddrs := make([]Addr, fanout)
	for i := range children {
		children[i] = heap.AllocateObject(region, objWords)
		childAddrs[i] = children[i].Addr()
	}
	// The root is allocated last, i.e. at the highest address, so
	// every child reference it holds lies below the task's
	// local_finger by the time the root is scanned: each one takes
	// the "push" branch of deal_with_reference rather than relying on
	// the region's own forward scan to reach it, which is what
	// actually drives mark-stack pressure here.
	root := heap.AllocateObject(region, objWords, childAddrs...)
	heap.AddRoot(root.Addr())

	cfg := DefaultConfig()
	cfg.ParallelMarkingThreads = 1
	cfg.MarkStackSize = 4
	cfg.RegionStackSize = 8
	cfg.TaskQueueMaxElements = 2
	cfg.StepTimeTarget = time.Second
	cm, err := New(cfg, heap, nil, nil, nil, nil, nil)
	require.NoError(t, err)

	results := runFullCycle(t, cm)

	assert.Greater(t, cm.tasks[0].Stats().OverflowAbortCount, int64(0), "the fan-out must have actually forced an overflow abort")
	assert.True(t, cm.PrevBitmap().IsMarked(root.Addr()))
	for _, a := range childAddrs {
		assert.True(t, cm.PrevBitmap().IsMarked(a), "addr %#x should be marked after overflow restart", a)
	}
	var totalLive uintptr
	for _, rl := range results {
		totalLive += rl.LiveBytes
	}
	assert.EqualValues(t, (fanout+1)*objWords*wordSizeBytes, totalLive)
}

// Scenario 4: full-GC abort. A cycle is started and stepped partway,
// then Abort is invoked as a full collection would. next must come
// back all-zero, and the remaining stop-the-world phases must
// short-circuit to "marking complete" without touching live-byte
// accounting.
func TestScenarioFullGCAbort(t *testing.T) {
	const n = 6
	const objWords = 8
	heap, addrs := buildLinearHeap(t, n, objWords)

	cfg := DefaultConfig()
	cfg.ParallelMarkingThreads = 1
	cfg.MarkStackSize = 64
	cfg.RegionStackSize = 16
	cfg.TaskQueueMaxElements = 32
	cfg.StepTimeTarget = time.Second
	cm, err := New(cfg, heap, nil, nil, nil, nil, nil)
	require.NoError(t, err)

	cm.CheckpointRootsInitial()
	cm.NoteRootRegionScanComplete()
	// Whatever progress this step made (on a heap this small it may
	// well mark everything), Abort must still win: it clears next and
	// forces every task into the aborted state regardless of how far
	// the scan had gotten.
	cm.tasks[0].DoMarkingStep(cfg.StepTimeTarget, true)

	cm.Abort()

	for _, a := range addrs {
		assert.False(t, cm.NextBitmap().IsMarked(a), "next must be entirely clear after abort")
	}
	assert.True(t, cm.tasks[0].HasAborted())
	assert.Equal(t, AbortGlobalAbort, cm.tasks[0].LastAbortReason())

	restart := cm.CheckpointRootsFinal(false)
	assert.False(t, restart, "remark must short-circuit, not request a restart")

	results := cm.Cleanup()
	assert.Empty(t, results, "cleanup must short-circuit to a no-op after a full-GC abort")
	assert.False(t, cm.MarkingInProgress())
}

// Scenario 5: SATB catch-up. An object reachable only through a
// reference the mutator is about to null is never grayed by root
// scanning (it was never a root at all by the time initial-mark
// reads the root set); the write barrier's SATB log is the only
// reason it ends up marked.
func TestScenarioSATBCatchUp(t *testing.T) {
	const objWords = 4
	heap := simheap.NewHeap(0x1000, objWords*wordSizeBytes)
	region := heap.AddRegion(objWords * wordSizeBytes)
	obj := heap.AllocateObject(region, objWords)
	// Deliberately no heap.AddRoot(obj.Addr()): by the time
	// CheckpointRootsInitial reads the root set, the mutator has
	// already nulled the only pointer to obj.

	satb := simheap.NewSATBQueueSet()
	cm := newCycleCoordinator(t, heap, satb)

	cm.CheckpointRootsInitial()
	assert.False(t, cm.NextBitmap().IsMarked(obj.Addr()), "root scanning alone must not have found it")

	// The write barrier logs obj's address as the prior value of the
	// slot the mutator is about to overwrite with null.
	satb.Enqueue(0, ObjectRef(obj.Addr()))
	satb.FlushInflight()

	cm.NoteRootRegionScanComplete()
	require.NoError(t, cm.MarkFromRoots(context.Background()))
	require.False(t, cm.CheckpointRootsFinal(false))
	cm.Cleanup()

	assert.True(t, cm.PrevBitmap().IsMarked(obj.Addr()), "the SATB-logged prior value must still be marked at cycle end")
}

// Scenario 6: concurrent expansion. The heap grows by one region
// between initial-mark and the first concurrent step; this cycle's
// region-claiming loop must not cross into the newly committed
// region, matching update_committed(force=false)'s refusal to extend
// heap_end mid-cycle.
func TestScenarioConcurrentExpansionDeclinesNewRegion(t *testing.T) {
	const objWords = 4
	regionBytes := uintptr(objWords * wordSizeBytes * 4)
	heap := simheap.NewHeap(0x1000, 4*regionBytes)
	region1 := heap.AddRegion(regionBytes)
	obj1 := heap.AllocateObject(region1, objWords)
	heap.AddRoot(obj1.Addr())

	cm := newCycleCoordinator(t, heap, nil)

	cm.CheckpointRootsInitial()
	heapEndAtInitialMark := cm.cycleEnd()
	assert.Equal(t, region1.End(), heapEndAtInitialMark)

	// The heap grows by one region after the snapshot is taken.
	region2 := heap.AddRegion(regionBytes)
	obj2 := heap.AllocateObject(region2, objWords)

	cm.NoteRootRegionScanComplete()
	require.NoError(t, cm.MarkFromRoots(context.Background()))
	require.False(t, cm.CheckpointRootsFinal(false))
	cm.Cleanup()

	assert.True(t, cm.PrevBitmap().IsMarked(obj1.Addr()))
	assert.False(t, cm.PrevBitmap().IsMarked(obj2.Addr()), "the newly committed region must not be claimed this cycle")
	assert.Equal(t, heapEndAtInitialMark, cm.cycleEnd(), "heap_end is fixed for the remainder of the cycle once snapshotted")
}

// TestMultiWorkerCycleCompletes runs a plain cycle with more than one
// concurrent-mark worker. With a single worker (every test in this
// file except the two multi-worker ones), the Terminator's party size is 1 so Offer always
// succeeds on the first call and the overflow barriers never actually
// rendezvous more than one arrival; none of that exercises the
// cross-worker claim/steal/terminate machinery Components D, E, and
// the Terminator exist for. Several regions spread across several
// workers forces real region-claiming races and, once every region is
// claimed, real work-stealing among idle workers before the whole
// party can terminate together.
func TestMultiWorkerCycleCompletes(t *testing.T) {
	const regionCount = 8
	const objsPerRegion = 6
	const objWords = 16
	regionBytes := uintptr(objsPerRegion) * objWords * wordSizeBytes
	heap := simheap.NewHeap(0x1000, uintptr(regionCount)*regionBytes)

	var allAddrs []Addr
	for i := 0; i < regionCount; i++ {
		region := heap.AddRegion(regionBytes)
		objs := make([]*simheap.Object, objsPerRegion)
		addrs := make([]Addr, objsPerRegion)
		for j := 0; j < objsPerRegion; j++ {
			objs[j] = heap.AllocateObject(region, objWords)
			addrs[j] = objs[j].Addr()
		}
		for j := 0; j < objsPerRegion-1; j++ {
			objs[j].SetRefs(addrs[j+1])
		}
		heap.AddRoot(addrs[0])
		allAddrs = append(allAddrs, addrs...)
	}

	cfg := DefaultConfig()
	cfg.ParallelMarkingThreads = 4
	cfg.MarkStackSize = 64
	cfg.RegionStackSize = 16
	cfg.TaskQueueMaxElements = 32
	cfg.StepTimeTarget = 20 * time.Millisecond
	cm, err := New(cfg, heap, nil, nil, nil, nil, nil)
	require.NoError(t, err)

	cm.CheckpointRootsInitial()
	cm.NoteRootRegionScanComplete()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, cm.MarkFromRoots(ctx), "MarkFromRoots must return once every worker's termination offer is accepted")
	require.False(t, cm.CheckpointRootsFinal(false))
	results := cm.Cleanup()

	for _, a := range allAddrs {
		assert.True(t, cm.PrevBitmap().IsMarked(a), "addr %#x should be marked", a)
	}
	var totalLive uintptr
	for _, rl := range results {
		totalLive += rl.LiveBytes
	}
	assert.EqualValues(t, uintptr(regionCount*objsPerRegion)*objWords*wordSizeBytes, totalLive)
}

// TestMultiWorkerOverflowRestart re-runs scenario 3 (overflow restart)
// with more than one concurrent-mark worker, so the two overflow
// barriers actually rendezvous more than one arrival: with the
// single-worker version, NewCyclicBarrier(1, ...) trips on its own
// first (and only) arrival and never proves the N-party wait/
// broadcast path works at all.
func TestMultiWorkerOverflowRestart(t *testing.T) {
	const fanout = 20
	const objWords = 4
	regionBytes := uintptr(fanout+1) * objWords * wordSizeBytes
	heap := simheap.NewHeap(0x1000, regionBytes)
	region := heap.AddRegion(regionBytes)

	children := make([]*simheap.Object, fanout)
	childAddrs := make([]Addr, fanout)
	for i := range children {
		children[i] = heap.AllocateObject(region, objWords)
		childAddrs[i] = children[i].Addr()
	}
	root := heap.AllocateObject(region, objWords, childAddrs...)
	heap.AddRoot(root.Addr())

	cfg := DefaultConfig()
	cfg.ParallelMarkingThreads = 3
	cfg.MarkStackSize = 4
	cfg.RegionStackSize = 8
	cfg.TaskQueueMaxElements = 2
	cfg.StepTimeTarget = 20 * time.Millisecond
	cm, err := New(cfg, heap, nil, nil, nil, nil, nil)
	require.NoError(t, err)

	cm.CheckpointRootsInitial()
	cm.NoteRootRegionScanComplete()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, cm.MarkFromRoots(ctx), "all three workers must reach the overflow barriers together and resume")
	require.False(t, cm.CheckpointRootsFinal(false))
	results := cm.Cleanup()

	var overflowed bool
	for _, task := range cm.tasks {
		if task.Stats().OverflowAbortCount > 0 {
			overflowed = true
		}
	}
	assert.True(t, overflowed, "the fan-out must have forced an overflow abort on at least one worker")

	assert.True(t, cm.PrevBitmap().IsMarked(root.Addr()))
	for _, a := range childAddrs {
		assert.True(t, cm.PrevBitmap().IsMarked(a), "addr %#x should be marked after overflow restart", a)
	}
	var totalLive uintptr
	for _, rl := range results {
		totalLive += rl.LiveBytes
	}
	assert.EqualValues(t, (fanout+1)*objWords*wordSizeBytes, totalLive)
}
