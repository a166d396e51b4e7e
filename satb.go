package concmark

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// satbIngestor is the Component G "SATB ingestion adapter": a thin
// wrapper around the externally supplied SATBQueueSet that bounds how
// many completed buffers may be claimed at once to bufferSlots, which
// New sets to Config.SATBBufferSize (the per-buffer reference
// capacity; there is no separate slot-count knob). spec.md §5 already describes the
// queue set itself as "internally synchronized" for a single
// take-one call; the semaphore here additionally caps system-wide
// concurrent drains so a burst of simultaneous remark/SATB-pressure
// aborts across every task cannot claim more buffers in flight than
// the mutator side provisioned, which is the failure mode a queue
// set backed by a fixed buffer pool would otherwise hit as internal
// contention rather than a clean bounded wait.
type satbIngestor struct {
	queue SATBQueueSet
	slots *semaphore.Weighted
}

func newSATBIngestor(queue SATBQueueSet, bufferSlots int) *satbIngestor {
	if queue == nil {
		return nil
	}
	if bufferSlots <= 0 {
		bufferSlots = 1
	}
	return &satbIngestor{queue: queue, slots: semaphore.NewWeighted(int64(bufferSlots))}
}

// activateAllThreads turns on SATB discovery for every mutator
// thread, called once at initial-mark.
func (si *satbIngestor) activateAllThreads() { si.queue.ActivateAllThreads() }

// wire registers each task's deal_with_reference closure with the
// underlying queue set, keyed by task ID, per spec.md §4.G.
func (si *satbIngestor) wire(tasks []*Task) {
	for _, t := range tasks {
		si.queue.SetClosure(t.id, t.dealWithReference)
	}
}

// drainOne claims and applies the closure to one completed buffer
// belonging to taskID, reporting false if none was available. It
// blocks for a free slot rather than spinning; since buffer slots are
// only ever held for the duration of one drain, contention here
// should be rare and brief.
func (si *satbIngestor) drainOne(taskID int) bool {
	if err := si.slots.Acquire(context.Background(), 1); err != nil {
		return false
	}
	defer si.slots.Release(1)
	return si.queue.ApplyClosureToCompletedBuffer(taskID)
}

// rescanAllThreads sweeps every mutator thread's not-yet-completed
// buffer, used only during remark (spec.md §4.G, "an additional sweep
// ... over each mutator thread's not-yet-completed buffer").
func (si *satbIngestor) rescanAllThreads(closure OopClosure) {
	si.queue.IterateClosureAllThreads(closure)
}

// completedBufferCount reports the backlog the regular clock's
// SATB-pressure check watches.
func (si *satbIngestor) completedBufferCount() int {
	return si.queue.CompletedBufferCount()
}
