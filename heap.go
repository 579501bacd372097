// Package tagheap is a phased heap allocator. Every allocation carries a small integer tag that
// classifies it by lifetime, and all memory allocated with a tag is released at once by freeing
// the tag. Individual allocations are never freed.
//
// The heap carves reserved address space into fixed-size blocks. Each worker keeps one partially
// filled block per tag and bump-allocates from it without synchronization; workers only touch
// shared state when they need a new block. Freeing a tag moves its blocks back to the free list
// and forces every worker to fetch a fresh block on its next allocation with that tag.
package tagheap

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tagheap/internal/blocktable"
	"github.com/vkngwrapper/tagheap/internal/cache"
	"github.com/vkngwrapper/tagheap/internal/workers"
	"github.com/vkngwrapper/tagheap/memutils"
	"github.com/vkngwrapper/tagheap/pages"
	"golang.org/x/exp/slog"
)

const (
	heapUninitialized int32 = iota
	heapReady
	heapDestroyed
)

// Heap is a tagged heap. Use New to create one. A Heap's methods are safe for concurrent use; a
// Worker's are not, and each goroutine allocating from the heap should hold its own Worker.
type Heap struct {
	state  atomic.Int32
	logger *slog.Logger
	flags  CreateFlags

	provider   pages.Provider
	region     []byte
	memory     []byte
	ownsMemory bool
	blockSize  int

	table   *blocktable.Table
	caches  *cache.Set
	workers *workers.Registry
	runs    [MaxTags]runCounters
}

var _ memutils.Validatable = &Heap{}

// runCounters tracks allocations that span more than one block. They bypass the worker caches.
type runCounters struct {
	allocations atomic.Int64
	bytes       atomic.Int64
}

func (c *runCounters) record(size int) {
	c.allocations.Add(1)
	c.bytes.Add(int64(size))
}

func (c *runCounters) clear() {
	c.allocations.Store(0)
	c.bytes.Store(0)
}

func (h *Heap) checkReady() error {
	switch h.state.Load() {
	case heapReady:
		return nil
	case heapDestroyed:
		return ErrHeapDestroyed
	default:
		return ErrHeapNotInitialized
	}
}

func checkTag(tag Tag) error {
	if !tag.Valid() {
		return errors.Wrapf(ErrInvalidTag, "tag was %d", tag)
	}
	return nil
}

// BlockSize returns the size in bytes of the heap's blocks
func (h *Heap) BlockSize() int {
	return h.blockSize
}

// MaxBlocks returns the number of blocks the heap's memory is divided into
func (h *Heap) MaxBlocks() int {
	if h.table == nil {
		return 0
	}
	return h.table.MaxBlocks()
}

// UsedBlocks returns the number of blocks currently assigned to some tag
func (h *Heap) UsedBlocks() int {
	if h.table == nil {
		return 0
	}
	return h.table.SplitPosition()
}

// FreeTag releases every block allocated with tag, along with every allocation inside them.
// Pointers previously returned for tag must not be used afterward. Freeing a tag that owns no
// blocks is a no-op.
//
// Every worker's working block for tag is dropped before the table lock is released, so the
// next allocation with tag on any worker fetches a new block.
//
// Without CreateSerializedFetch, FreeTag must not run while any worker allocates, whatever tag it
// allocates with. A block fetch that has claimed a table slot but not yet stamped it can have that
// slot reordered by FreeTag, and the fetch then stamps and hands out a block that another tag
// still owns. With CreateSerializedFetch, allocations with other tags may run concurrently. An
// allocation with tag itself that completes while FreeTag runs may still land in a block that is
// being freed, so callers must not allocate with a tag they are freeing.
func (h *Heap) FreeTag(tag Tag) error {
	if err := h.checkReady(); err != nil {
		return err
	}
	if err := checkTag(tag); err != nil {
		return err
	}

	freed, err := h.table.FreeTag(tag, func() {
		h.caches.ResetTag(tag)
		h.runs[tag].clear()
	})
	memutils.DebugValidate(h.table)

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "freed tag",
		slog.Int("tag", int(tag)),
		slog.Int("blocks", freed),
	)

	return err
}

// Destroy releases the heap's memory. Memory the heap reserved itself is returned to the
// operating system; memory provided through CreateOptions.Memory is decommitted and has all access
// rights removed. Every pointer allocated from the heap is invalid afterward.
//
// Destroy must not be called concurrently with any other heap or worker method.
func (h *Heap) Destroy() error {
	if !h.state.CompareAndSwap(heapReady, heapDestroyed) {
		return h.checkReady()
	}

	counts := h.table.TagCounts()
	for tag, count := range counts {
		if count == 0 {
			continue
		}

		h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] tag still owns blocks at destroy",
			slog.Int("tag", tag),
			slog.Int("blocks", count),
		)
	}

	if live := h.workers.Live(); live > 0 {
		h.logger.LogAttrs(context.Background(), slog.LevelWarn, "workers still held at destroy", slog.Int("workers", live))
	}

	err := h.returnMemory()
	h.table = nil
	h.region = nil
	h.memory = nil
	if err != nil {
		return errors.Wrap(err, "failed to return heap memory")
	}

	return nil
}

// Validate checks the block table for corruption. It is meant for tests and debugging.
func (h *Heap) Validate() error {
	if err := h.checkReady(); err != nil {
		return err
	}

	return h.table.Validate()
}
