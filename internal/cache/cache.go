// Package cache holds the per-worker working blocks that allocations are bump-allocated from.
//
// Each worker owns one Cache with one entry per tag. Only the owning worker allocates through
// its Cache; the single exception is Set.ResetTag, which any goroutine may call while freeing
// a tag. Every field is accessed atomically so the owner observes the reset before its next
// allocation.
package cache

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tagheap/internal/blocktable"
	"github.com/vkngwrapper/tagheap/memutils"
	"golang.org/x/sys/cpu"
)

// Alignment is the alignment of every allocation offset within a block
const Alignment = 16

const noBlock = -1

// ErrTooLarge is returned from Allocate when the aligned request is larger than a block
var ErrTooLarge = errors.New("allocation does not fit in a single block")

//go:generate mockgen -source cache.go -destination ./mocks/block_source.go -package mock_cache

// BlockSource hands out fresh blocks stamped with a tag
type BlockSource interface {
	// FetchOne claims a free block for tag and returns its index
	FetchOne(tag blocktable.Tag) (int, error)
}

// entry packs its working block into state: the bytes used in the block in the low 32 bits, the
// block index in the next 16 and a reset epoch in the top 16. A reset from another goroutine
// replaces all of them at once and advances the epoch, so an owner's compare-and-swap against a
// state read before the reset always fails. A used count equal to the block size means the block
// is full or no block is held.
type entry struct {
	state atomic.Uint64

	allocations    atomic.Uint64
	allocatedBytes atomic.Uint64
	wastedBytes    atomic.Uint64
}

func packState(block int, used int, epoch uint16) uint64 {
	return uint64(epoch)<<48 | uint64(uint16(int16(block)))<<32 | uint64(uint32(used))
}

func unpackState(state uint64) (block int, used int, epoch uint16) {
	return int(int16(uint16(state >> 32))), int(uint32(state)), uint16(state >> 48)
}

// reset empties the entry and returns the state it replaced
func (e *entry) reset(blockSize int) uint64 {
	for {
		state := e.state.Load()
		_, _, epoch := unpackState(state)
		if e.state.CompareAndSwap(state, packState(noBlock, blockSize, epoch+1)) {
			return state
		}
	}
}

// drop releases the working block. The tail of the block is counted as waste.
func (e *entry) drop(blockSize int) {
	block, used, _ := unpackState(e.reset(blockSize))
	if block != noBlock {
		e.wastedBytes.Add(uint64(blockSize - used))
	}
}

func (e *entry) clear(blockSize int) {
	e.reset(blockSize)
	e.allocations.Store(0)
	e.allocatedBytes.Store(0)
	e.wastedBytes.Store(0)
}

// Cache is one worker's set of working blocks, one per tag
type Cache struct {
	_         cpu.CacheLinePad
	blockSize int
	entries   [blocktable.MaxTags]entry
}

// Allocate carves size bytes, rounded up to Alignment, out of the worker's working block for
// tag and returns the block index and the offset of the allocation within it.
//
// When the working block can't fit the request, a new block is fetched from source and the
// allocation is placed at its start. Whichever of the old and new blocks has more room left
// afterward becomes the working block; on a tie the old block is kept. The other block's tail
// is abandoned until the tag is freed. If the fetch fails, the cache is left untouched.
//
// Every update of the working block is a compare-and-swap against the state that was read, so
// a concurrent Set.ResetTag is never lost. A bump that races a reset retries against the empty
// state, and a block fetched while a reset ran is returned but not cached.
func (c *Cache) Allocate(source BlockSource, tag blocktable.Tag, size int) (int, int, error) {
	if !tag.Valid() {
		return noBlock, 0, errors.Newf("tag %d is outside [0, %d)", tag, blocktable.MaxTags)
	}
	if size < 0 {
		return noBlock, 0, errors.Newf("cannot allocate %d bytes", size)
	}

	size = memutils.AlignUp(size, Alignment)
	if size > c.blockSize {
		return noBlock, 0, errors.Wrapf(ErrTooLarge, "%d bytes requested from %d byte blocks", size, c.blockSize)
	}

	e := &c.entries[tag]
	var state uint64
	for {
		state = e.state.Load()
		block, used, epoch := unpackState(state)
		if block == noBlock || used >= c.blockSize || used+size > c.blockSize {
			break
		}

		if e.state.CompareAndSwap(state, packState(block, used+size, epoch)) {
			e.record(size)
			return block, used, nil
		}
	}

	block, err := source.FetchOne(tag)
	if err != nil {
		return noBlock, 0, err
	}

	// A reset during the fetch fails the swap, and the new block is not cached
	_, used, epoch := unpackState(state)
	oldRemaining := c.blockSize - used
	newRemaining := c.blockSize - size
	if newRemaining > oldRemaining && e.state.CompareAndSwap(state, packState(block, size, epoch)) {
		e.wastedBytes.Add(uint64(oldRemaining))
	} else {
		e.wastedBytes.Add(uint64(newRemaining))
	}
	e.record(size)

	return block, 0, nil
}

func (e *entry) record(size int) {
	e.allocations.Add(1)
	e.allocatedBytes.Add(uint64(size))
}

// WorkingBlock returns the block currently held for tag and the number of bytes used in it.
// ok is false if no block is held.
func (c *Cache) WorkingBlock(tag blocktable.Tag) (block int, used int, ok bool) {
	block, used, _ = unpackState(c.entries[tag].state.Load())
	if block == noBlock {
		return noBlock, 0, false
	}

	return block, used, true
}

// AddStatistics sums the allocations made through this cache for tag since the tag was last
// reset into stats. Block counts are not touched: blocks belong to the table, not the cache.
func (c *Cache) AddStatistics(tag blocktable.Tag, stats *memutils.Statistics) {
	e := &c.entries[tag]
	stats.AddAllocations(int(e.allocations.Load()), int(e.allocatedBytes.Load()))
	stats.WastedBytes += int(e.wastedBytes.Load())
}

// Set is the flat array of every worker's Cache, indexed by worker ID
type Set struct {
	blockSize int
	caches    []Cache
}

func NewSet(workerCount int, blockSize int) *Set {
	memutils.DebugCheckPow2(blockSize, "block size")

	set := &Set{
		blockSize: blockSize,
		caches:    make([]Cache, workerCount),
	}

	for worker := range set.caches {
		cache := &set.caches[worker]
		cache.blockSize = blockSize
		for tag := range cache.entries {
			cache.entries[tag].clear(blockSize)
		}
	}

	return set
}

func (s *Set) Len() int {
	return len(s.caches)
}

func (s *Set) Cache(worker int) *Cache {
	return &s.caches[worker]
}

// ResetTag drops every worker's working block for tag and clears the tag's allocation counters,
// forcing each worker to fetch a new block on its next allocation with that tag
func (s *Set) ResetTag(tag blocktable.Tag) {
	for worker := range s.caches {
		s.caches[worker].entries[tag].clear(s.blockSize)
	}
}

// ResetWorker drops all of one worker's working blocks. The blocks stay assigned to their tags
// and the worker's allocation counters keep counting toward them until the tags are freed.
func (s *Set) ResetWorker(worker int) {
	cache := &s.caches[worker]
	for tag := range cache.entries {
		cache.entries[tag].drop(s.blockSize)
	}
}
