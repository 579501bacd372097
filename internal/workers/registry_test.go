package workers_test

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/tagheap/internal/workers"
)

func TestAcquireIsDense(t *testing.T) {
	registry := workers.NewRegistry(4, true)

	for expected := 0; expected < 4; expected++ {
		id, err := registry.Acquire()
		require.NoError(t, err)
		require.Equal(t, expected, id)
	}

	require.Equal(t, 4, registry.Live())
	require.Equal(t, 4, registry.HighWater())

	_, err := registry.Acquire()
	require.True(t, errors.Is(err, workers.ErrTooManyWorkers))
	require.Equal(t, 4, registry.HighWater())
}

func TestReleaseReusesIDs(t *testing.T) {
	registry := workers.NewRegistry(3, false)

	first, err := registry.Acquire()
	require.NoError(t, err)
	second, err := registry.Acquire()
	require.NoError(t, err)

	require.NoError(t, registry.Release(first))
	require.Equal(t, 1, registry.Live())

	reused, err := registry.Acquire()
	require.NoError(t, err)
	require.Equal(t, first, reused)

	third, err := registry.Acquire()
	require.NoError(t, err)
	require.Equal(t, 2, third)
	require.NotEqual(t, second, third)
}

func TestReleaseErrors(t *testing.T) {
	registry := workers.NewRegistry(2, true)

	require.Error(t, registry.Release(0))

	id, err := registry.Acquire()
	require.NoError(t, err)
	require.NoError(t, registry.Release(id))
	require.Error(t, registry.Release(id))
	require.Error(t, registry.Release(-1))
}

func TestConcurrentAcquireIsUnique(t *testing.T) {
	const workerCount = 64
	registry := workers.NewRegistry(workerCount, true)

	ids := make([]int, workerCount)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			id, err := registry.Acquire()
			if err != nil {
				ids[slot] = -1
				return
			}
			ids[slot] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, id := range ids {
		require.GreaterOrEqual(t, id, 0)
		require.Less(t, id, workerCount)
		require.False(t, seen[id], "id %d was handed out twice", id)
		seen[id] = true
	}

	_, err := registry.Acquire()
	require.True(t, errors.Is(err, workers.ErrTooManyWorkers))
}
