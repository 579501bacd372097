// Package workers hands out small dense integer IDs to the goroutines that allocate from a heap,
// so that per-worker state can live in a flat array indexed by ID.
package workers

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tagheap/internal/utils"
)

// ErrTooManyWorkers is returned from Acquire when every ID in [0, MaxWorkers) is held
var ErrTooManyWorkers = errors.New("no worker IDs are available")

// Registry assigns worker IDs. IDs are assigned densely from 0 by an atomic counter; IDs
// handed back through Release are kept on a free list and reused before the counter advances.
type Registry struct {
	maxWorkers int
	next       atomic.Int32
	live       atomic.Int32

	mutex    utils.OptionalMutex
	retired  []int
	released []bool
}

// NewRegistry creates a Registry that will hand out at most maxWorkers IDs at once. When
// useMutex is false, the consumer guarantees that Acquire and Release are never called
// concurrently.
func NewRegistry(maxWorkers int, useMutex bool) *Registry {
	if maxWorkers <= 0 {
		panic("a worker registry must allow at least one worker")
	}

	return &Registry{
		maxWorkers: maxWorkers,
		mutex:      utils.OptionalMutex{UseMutex: useMutex},
		released:   make([]bool, maxWorkers),
	}
}

// Acquire returns an ID that no other live worker holds
func (r *Registry) Acquire() (int, error) {
	r.mutex.Lock()
	if count := len(r.retired); count > 0 {
		id := r.retired[count-1]
		r.retired = r.retired[:count-1]
		r.released[id] = false
		r.mutex.Unlock()

		r.live.Add(1)
		return id, nil
	}
	r.mutex.Unlock()

	for {
		id := r.next.Load()
		if int(id) >= r.maxWorkers {
			return -1, errors.Wrapf(ErrTooManyWorkers, "all %d worker IDs are in use", r.maxWorkers)
		}

		if r.next.CompareAndSwap(id, id+1) {
			r.live.Add(1)
			return int(id), nil
		}
	}
}

// Release makes an ID available to future calls to Acquire. The caller must have
// stopped using all state associated with the ID.
func (r *Registry) Release(id int) error {
	if id < 0 || id >= int(r.next.Load()) {
		return errors.Newf("worker ID %d was never acquired", id)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.released[id] {
		return errors.Newf("worker ID %d has already been released", id)
	}

	r.released[id] = true
	r.retired = append(r.retired, id)
	r.live.Add(-1)

	return nil
}

// Live returns the number of IDs currently held
func (r *Registry) Live() int {
	return int(r.live.Load())
}

// HighWater returns the number of distinct IDs that have ever been handed out. Every ID ever
// acquired is below this value.
func (r *Registry) HighWater() int {
	return int(r.next.Load())
}

func (r *Registry) MaxWorkers() int {
	return r.maxWorkers
}
