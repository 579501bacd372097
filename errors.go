package tagheap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tagheap/internal/blocktable"
	"github.com/vkngwrapper/tagheap/internal/workers"
)

var (
	// ErrOutOfMemory is returned from allocations when the heap has no free block left. It is not
	// fatal: freeing a tag makes its blocks available again.
	ErrOutOfMemory = blocktable.ErrExhausted
	// ErrTooManyWorkers is returned from Heap.AcquireWorker when every worker ID is held
	ErrTooManyWorkers = workers.ErrTooManyWorkers

	ErrInvalidTag         = errors.Newf("tag must be less than %d", MaxTags)
	ErrHeapNotInitialized = errors.New("heap has not been initialized")
	ErrHeapDestroyed      = errors.New("heap has been destroyed")
	ErrWorkerReleased     = errors.New("worker has been released")
)
