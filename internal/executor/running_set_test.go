package executor

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunningSet_TryAddIsExclusive(t *testing.T) {
	set := NewRunningSet()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if set.TryAdd(7) {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.True(t, set.Contains(7))
	assert.Equal(t, 1, set.Len())
}

func TestRunningSet_Lifecycle(t *testing.T) {
	set := NewRunningSet()

	assert.True(t, set.TryAdd(3))
	assert.True(t, set.TryAdd(1))
	assert.False(t, set.TryAdd(3))
	assert.Equal(t, []int64{1, 3}, set.IDs())

	_, ok := set.Since(3)
	assert.True(t, ok)

	set.Remove(3)
	assert.False(t, set.Contains(3))
	assert.True(t, set.TryAdd(3))

	_, ok = set.Since(99)
	assert.False(t, ok)
}
