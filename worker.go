package tagheap

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tagheap/internal/cache"
	"github.com/vkngwrapper/tagheap/memutils"
	"golang.org/x/exp/slog"
)

// Worker allocates from a Heap on behalf of a single goroutine. It holds one working block per
// tag and bump-allocates from them without synchronization. A Worker must not be used from more
// than one goroutine at a time.
type Worker struct {
	heap     *Heap
	id       int
	cache    *cache.Cache
	released bool
}

// AcquireWorker hands out a Worker with an unused worker ID. Worker IDs are dense and are reused
// after Worker.Release. ErrTooManyWorkers is returned when CreateOptions.MaxWorkers workers are
// already held.
func (h *Heap) AcquireWorker() (*Worker, error) {
	if err := h.checkReady(); err != nil {
		return nil, err
	}

	id, err := h.workers.Acquire()
	if err != nil {
		return nil, err
	}

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "acquired worker", slog.Int("worker", id))

	return &Worker{
		heap:  h,
		id:    id,
		cache: h.caches.Cache(id),
	}, nil
}

// ID returns the worker's dense ID, which is in [0, CreateOptions.MaxWorkers)
func (w *Worker) ID() int {
	return w.id
}

// Alloc returns a pointer to size bytes of memory classified under tag. The address is aligned
// to Alignment. The memory is not zeroed when its block has been used before, and it stays valid
// until tag is freed or the heap is destroyed.
//
// The memory is invisible to the garbage collector: it must not hold the only reference to a
// Go-allocated object.
//
// Requests that fit in a block are served from the worker's working block for tag. Larger requests
// are placed in a run of contiguous blocks owned by tag. ErrOutOfMemory is returned when the heap
// has no room; the heap is unchanged and the caller may free a tag and retry.
func (w *Worker) Alloc(tag Tag, size int) (unsafe.Pointer, error) {
	h := w.heap
	if err := h.checkReady(); err != nil {
		return nil, err
	}
	if w.released {
		return nil, ErrWorkerReleased
	}
	if err := checkTag(tag); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, errors.Newf("allocation size must not be negative, but was %d", size)
	}

	if size > h.blockSize {
		return h.allocRun(tag, size)
	}

	block, offset, err := w.cache.Allocate(h.table, tag, size)
	if err != nil {
		return nil, err
	}

	return h.table.Address(block, offset), nil
}

func (h *Heap) allocRun(tag Tag, size int) (unsafe.Pointer, error) {
	if capacity := h.table.MaxBlocks() * h.blockSize; size > capacity {
		return nil, errors.Wrapf(ErrOutOfMemory, "allocation of %d bytes is larger than the heap's %d bytes", size, capacity)
	}

	count := memutils.DivideRoundingUp(size, h.blockSize)

	first, err := h.table.FetchRun(tag, count)
	if err != nil {
		return nil, err
	}

	h.runs[tag].record(count * h.blockSize)
	return h.table.Address(first, 0), nil
}

// AllocBytes is Alloc, returning the memory as a byte slice of length and capacity size
func (w *Worker) AllocBytes(tag Tag, size int) ([]byte, error) {
	ptr, err := w.Alloc(tag, size)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(ptr), size), nil
}

// Release drops the worker's working blocks and returns its ID to the heap. The blocks stay
// assigned to their tags until the tags are freed. The Worker cannot be used afterward.
func (w *Worker) Release() error {
	if w.released {
		return ErrWorkerReleased
	}

	w.released = true
	w.heap.caches.ResetWorker(w.id)
	return w.heap.workers.Release(w.id)
}
