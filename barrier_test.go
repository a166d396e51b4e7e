package concmark

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCyclicBarrierActionRunsExactlyOnce(t *testing.T) {
	var actionCount int32
	n := 4
	b := NewCyclicBarrier(n, func() { atomic.AddInt32(&actionCount, 1) })

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Await(nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), actionCount)
}

func TestCyclicBarrierRearmsForNextGeneration(t *testing.T) {
	var actionCount int32
	n := 2
	b := NewCyclicBarrier(n, func() { atomic.AddInt32(&actionCount, 1) })

	for gen := 0; gen < 3; gen++ {
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.Await(nil)
			}()
		}
		wg.Wait()
	}
	assert.Equal(t, int32(3), actionCount)
}

func TestCyclicBarrierReleasesSafepointTokenWhileWaiting(t *testing.T) {
	b := NewCyclicBarrier(2, nil)
	sts := &fakeSafepoint{}

	done := make(chan struct{})
	go func() {
		b.Await(sts)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sts.left))

	b.Await(nil)
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&sts.joined))
}
