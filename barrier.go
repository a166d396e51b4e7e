package concmark

import "sync"

// CyclicBarrier is a reusable rendezvous for a fixed party size. The
// last goroutine to arrive at a generation runs the (single) barrier
// action before releasing everyone, then the barrier rearms for the
// next generation. It backs the overflow-restart protocol's two
// barriers (spec §4.E step 9, "first overflow barrier" /
// "second overflow barrier"): task 0's responsibility to clear global
// state is modeled as the barrier action, since exactly one arrival
// triggers it regardless of which goroutine happens to be last.
type CyclicBarrier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	n      int
	count  int
	gen    int
	action func()
}

// NewCyclicBarrier creates a barrier for n parties. action, if
// non-nil, runs exactly once per rendezvous, on whichever goroutine
// happens to arrive last.
func NewCyclicBarrier(n int, action func()) *CyclicBarrier {
	b := &CyclicBarrier{n: n, action: action}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Await blocks until all n parties have called Await for the current
// generation. sts, if non-nil, is released for the duration of the
// wait and rejoined afterward — the barrier must never be entered
// while holding the safepoint-synchronization token, or a
// stop-the-world request racing with an in-progress overflow restart
// would deadlock (spec §5).
func (b *CyclicBarrier) Await(sts SafepointToken) {
	if sts != nil {
		sts.Leave()
		defer sts.Join()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.gen
	b.count++
	if b.count == b.n {
		if b.action != nil {
			b.action()
		}
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for b.gen == gen {
		b.cond.Wait()
	}
}
