package concmark

import (
	"github.com/coriolisgc/concmark/internal/simheap"
)

// newTestHeap builds a simheap.Heap reserved for regionCount regions
// of regionBytes each, with no regions actually added yet — enough
// for tests that only need a valid ReservedRegion() to size the
// Coordinator's bitmaps and stacks.
func newTestHeap(regionCount int, regionBytes uintptr) *simheap.Heap {
	return simheap.NewHeap(0x1000, uintptr(regionCount)*regionBytes)
}

// newTestCoordinator builds a Coordinator over a fresh empty heap with
// sane small-capacity defaults, suitable for component-level
// (non-end-to-end) tests that only need a validly constructed engine.
func newTestCoordinator(regionCount int, regionBytes uintptr) (*Coordinator, *simheap.Heap) {
	heap := newTestHeap(regionCount, regionBytes)
	cfg := DefaultConfig()
	cfg.MarkStackSize = 64
	cfg.RegionStackSize = 16
	cfg.TaskQueueMaxElements = 32
	cfg.ParallelMarkingThreads = 1

	cm, err := New(cfg, heap, nil, nil, nil, nil, nil)
	if err != nil {
		panic(err)
	}
	return cm, heap
}
