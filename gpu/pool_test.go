package gpu

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool(t *testing.T) {
	pool, err := NewPool(4)
	require.NoError(t, err)

	assert.Equal(t, 4, pool.Capacity())
	assert.Equal(t, 4, pool.Available())
	assert.Equal(t, 0, pool.InUse())
	assert.Len(t, pool.Usage(), 4)
}

func TestNewPool_InvalidCapacity(t *testing.T) {
	_, err := NewPool(0)
	require.Error(t, err)

	_, err = NewPool(-2)
	require.Error(t, err)
}

func TestPool_AcquireOrder(t *testing.T) {
	pool, err := NewPool(3)
	require.NoError(t, err)

	for want := 0; want < 3; want++ {
		slot, ok := pool.Acquire()
		require.True(t, ok)
		assert.Equal(t, Slot(want), slot)
	}

	// Released slots go to the back of the queue.
	require.NoError(t, pool.Release(1))
	require.NoError(t, pool.Release(0))

	slot, ok := pool.Acquire()
	require.True(t, ok)
	assert.Equal(t, Slot(1), slot)
}

func TestPool_Exhaustion(t *testing.T) {
	const capacity = 4
	pool, err := NewPool(capacity)
	require.NoError(t, err)

	held := make([]Slot, 0, capacity)
	for i := 0; i < capacity; i++ {
		slot, ok := pool.Acquire()
		require.True(t, ok)
		held = append(held, slot)
	}

	_, ok := pool.Acquire()
	assert.False(t, ok, "acquire beyond capacity must report no slot")
	assert.Equal(t, 0, pool.Available())

	require.NoError(t, pool.Release(held[2]))

	slot, ok := pool.Acquire()
	require.True(t, ok)
	assert.Equal(t, held[2], slot)
}

func TestPool_ReleaseMisuseIsIgnored(t *testing.T) {
	pool, err := NewPool(2)
	require.NoError(t, err)

	err = pool.Release(0)
	require.ErrorIs(t, err, ErrSlotNotHeld)
	assert.Equal(t, 2, pool.Available())

	slot, ok := pool.Acquire()
	require.True(t, ok)
	require.NoError(t, pool.Release(slot))

	err = pool.Release(slot)
	require.ErrorIs(t, err, ErrSlotNotHeld)
	assert.Equal(t, 2, pool.Available(), "double release must not duplicate the slot")

	require.ErrorIs(t, pool.Release(7), ErrSlotOutOfRange)
	require.ErrorIs(t, pool.Release(-1), ErrSlotOutOfRange)
	assert.Equal(t, 2, pool.Available())
}

func TestPool_ConcurrentMutualExclusion(t *testing.T) {
	const (
		capacity   = 3
		goroutines = 32
		rounds     = 200
	)
	pool, err := NewPool(capacity)
	require.NoError(t, err)

	var inUse [capacity]int32
	var violations int32
	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				slot, ok := pool.Acquire()
				if !ok {
					continue
				}
				if atomic.AddInt32(&inUse[slot], 1) != 1 {
					atomic.AddInt32(&violations, 1)
				}
				atomic.AddInt32(&inUse[slot], -1)
				if err := pool.Release(slot); err != nil {
					atomic.AddInt32(&violations, 1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&violations))
	assert.Equal(t, capacity, pool.Available())
}

func TestPool_UsageTable(t *testing.T) {
	pool, err := NewPool(2)
	require.NoError(t, err)

	pool.SetUsage(1, 42.5)
	pool.SetUsage(5, 99) // ignored

	usage := pool.Usage()
	assert.Equal(t, []float64{0, 42.5}, usage)

	// Returned slice is a copy.
	usage[0] = 10
	assert.Equal(t, 0.0, pool.Usage()[0])
}

func TestPool_Snapshot(t *testing.T) {
	pool, err := NewPool(2)
	require.NoError(t, err)
	pool.SetUsage(0, 12)

	slot, ok := pool.Acquire()
	require.True(t, ok)
	assert.True(t, pool.IsHeld(slot))

	status := pool.Snapshot()
	assert.Equal(t, 2, status.Capacity)
	assert.Equal(t, 1, status.Available)
	assert.Equal(t, 1, status.InUse)
	require.Len(t, status.Slots, 2)
	assert.Equal(t, StateBusy, status.Slots[0].State)
	assert.Equal(t, 12.0, status.Slots[0].Usage)
	assert.Equal(t, StateIdle, status.Slots[1].State)
}
