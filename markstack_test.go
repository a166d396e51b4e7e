package concmark

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkStackPushPop(t *testing.T) {
	s, err := NewMarkStack(8)
	require.NoError(t, err)

	assert.True(t, s.ParPush(1))
	assert.True(t, s.ParPush(2))
	assert.Equal(t, 2, s.Len())

	out := make([]ObjectRef, 4)
	n := s.ParPopBulk(4, out)
	assert.Equal(t, 2, n)
	assert.True(t, s.Empty())
}

func TestMarkStackOverflowLatches(t *testing.T) {
	s, err := NewMarkStack(2)
	require.NoError(t, err)

	assert.True(t, s.ParPush(1))
	assert.True(t, s.ParPush(2))
	assert.False(t, s.ParPush(3))
	assert.True(t, s.Overflow())
	assert.Equal(t, 2, s.Len(), "the failed push must not mutate any existing entry")
}

func TestMarkStackParPushBulkFitsExactly(t *testing.T) {
	s, err := NewMarkStack(4)
	require.NoError(t, err)

	assert.True(t, s.ParPush(1))
	ok := s.ParPushBulk([]ObjectRef{2, 3})
	assert.True(t, ok)
	assert.Equal(t, 3, s.Len())

	ok = s.ParPushBulk([]ObjectRef{4, 5})
	assert.False(t, ok)
	assert.True(t, s.Overflow())
	assert.Equal(t, 3, s.Len(), "overflowing bulk push writes nothing")
}

func TestMarkStackReset(t *testing.T) {
	s, err := NewMarkStack(2)
	require.NoError(t, err)
	s.ParPush(1)
	s.ParPush(2)
	s.ParPush(3) // latches overflow
	require.True(t, s.Overflow())

	s.Reset()
	assert.False(t, s.Overflow())
	assert.True(t, s.Empty())
}

func TestMarkStackConcurrentPushesAllLand(t *testing.T) {
	s, err := NewMarkStack(1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			s.ParPush(ObjectRef(v))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000, s.Len())
	assert.False(t, s.Overflow())
}

func TestMarkStackOopsDo(t *testing.T) {
	s, err := NewMarkStack(4)
	require.NoError(t, err)
	s.ParPush(10)
	s.ParPush(20)

	var seen []ObjectRef
	s.OopsDo(s.Len(), func(ref ObjectRef) { seen = append(seen, ref) })
	assert.Equal(t, []ObjectRef{10, 20}, seen)
}
