package concmark

import (
	"sync/atomic"
	"time"
)

// terminationPollInterval bounds how often a parked task re-checks
// its bail-out condition while offering to terminate. It is not
// configurable: it only trades CPU for responsiveness and has no
// bearing on correctness.
const terminationPollInterval = 200 * time.Microsecond

// Terminator implements the distributed termination protocol that
// closes out concurrent-mark (spec §4.E step 8): every task offers
// itself; once all tasks have offered simultaneously, termination
// succeeds. A parked task withdraws its offer and resumes work the
// moment bailOut reports true — per spec, that is "the global mark
// stack is non-empty" or "this task's has_aborted is set".
type Terminator struct {
	n         int32
	offered   atomic.Int32
	terminate atomic.Bool
}

// NewTerminator creates a terminator for a party of n tasks.
func NewTerminator(n int) *Terminator {
	return &Terminator{n: int32(n)}
}

// Offer blocks until either every task has offered (returns true) or
// bailOut reports true for this task, in which case the offer is
// withdrawn and Offer returns false so the caller resumes draining.
// sts is released for the duration of any wait, per spec §5.
func (t *Terminator) Offer(bailOut func() bool, sts SafepointToken) bool {
	if t.offered.Add(1) == t.n {
		t.terminate.Store(true)
		return true
	}

	if sts != nil {
		sts.Leave()
		defer sts.Join()
	}

	for {
		if t.terminate.Load() {
			return true
		}
		if bailOut() {
			t.offered.Add(-1)
			return false
		}
		time.Sleep(terminationPollInterval)
	}
}

// Reset rearms the terminator for the next marking step or cycle.
func (t *Terminator) Reset() {
	t.offered.Store(0)
	t.terminate.Store(false)
}
