// Package blocktable partitions a reserved range of address space into fixed-size blocks and
// tracks which of them are free and which are assigned to a tag.
//
// The table is a flat array of packed entries and a split position. Entries below the split
// position are used, entries at or above it are free. The top bit of the split position doubles
// as a spinlock: single-block fetches claim a slot with an atomic add and never take the lock,
// while operations that reorder entries (freeing a tag, fetching a run of blocks) hold it.
package blocktable

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tagheap/internal/utils"
	"github.com/vkngwrapper/tagheap/memutils"
	"github.com/vkngwrapper/tagheap/pages"
)

const (
	lockBit      uint32 = 1 << 31
	positionMask uint32 = lockBit - 1
)

// ErrExhausted is returned when the table has no free block to satisfy a fetch
var ErrExhausted = errors.New("block table has no free blocks")

// Options describes the memory a Table manages and how it manages it
type Options struct {
	// Memory is the reserved address range carved into blocks. Any tail shorter than BlockSize,
	// and anything past MaxBlocks blocks, is ignored.
	Memory []byte
	// BlockSize is the size in bytes of each block. It must be a power of two and a multiple
	// of the page size.
	BlockSize int
	// Provider commits blocks before they are handed out and decommits them when they are freed
	Provider pages.Provider

	// SerializedFetch routes every single-block fetch through the lock instead of the atomic
	// add fast path. See FetchOne.
	SerializedFetch bool
	// DecommitOnFree decommits blocks as soon as their tag is freed. Otherwise they stay
	// committed until the table is torn down.
	DecommitOnFree bool
}

// Table is the free/used partition of block indices for one heap
type Table struct {
	splitPos atomic.Uint32
	entries  []atomic.Uint32

	memory    []byte
	blockSize int
	maxBlocks int
	committed []atomic.Bool
	provider  pages.Provider

	serializedFetch bool
	decommitOnFree  bool
}

var _ memutils.Validatable = &Table{}

func New(options Options) (*Table, error) {
	if err := memutils.CheckPow2(options.BlockSize, "block size"); err != nil {
		return nil, err
	}
	if options.BlockSize < pages.PageSize() {
		return nil, errors.Newf("block size %d is smaller than the page size %d", options.BlockSize, pages.PageSize())
	}
	if options.Provider == nil {
		return nil, errors.New("a page provider is required")
	}

	maxBlocks := min(len(options.Memory)/options.BlockSize, MaxBlocks)
	if maxBlocks == 0 {
		return nil, errors.Newf("%d bytes of memory cannot hold a single %d byte block", len(options.Memory), options.BlockSize)
	}

	table := &Table{
		entries:         make([]atomic.Uint32, maxBlocks),
		memory:          options.Memory[:maxBlocks*options.BlockSize],
		blockSize:       options.BlockSize,
		maxBlocks:       maxBlocks,
		committed:       make([]atomic.Bool, maxBlocks),
		provider:        options.Provider,
		serializedFetch: options.SerializedFetch,
		decommitOnFree:  options.DecommitOnFree,
	}

	for i := 0; i < maxBlocks; i++ {
		table.entries[i].Store(uint32(MakeEntry(0, i)))
	}

	return table, nil
}

func (t *Table) BlockSize() int { return t.blockSize }
func (t *Table) MaxBlocks() int { return t.maxBlocks }

// Block returns the memory of the block with the provided index
func (t *Table) Block(index int) []byte {
	start := index * t.blockSize
	end := start + t.blockSize
	return t.memory[start:end:end]
}

// Address returns a pointer to the byte at offset within the block with the provided index
func (t *Table) Address(index int, offset int) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(t.memory)), index*t.blockSize+offset)
}

// SplitPosition returns the number of used blocks as of the moment it was read
func (t *Table) SplitPosition() int {
	return t.clamp(t.splitPos.Load())
}

// Locked reports whether some goroutine currently holds the table lock
func (t *Table) Locked() bool {
	return t.splitPos.Load()&lockBit != 0
}

func (t *Table) clamp(raw uint32) int {
	return min(int(raw&positionMask), t.maxBlocks)
}

// Lock spins until it holds the table lock and returns the split position. Failed fast-path
// fetches can push the raw split position past the end of the table, so the returned position
// is clamped to MaxBlocks.
//
// Lock is not reentrant.
func (t *Table) Lock() int {
	var spin utils.SpinWait
	for {
		current := t.splitPos.Load()
		if current&lockBit == 0 && t.splitPos.CompareAndSwap(current, current|lockBit) {
			return t.clamp(current)
		}

		spin.Spin()
	}
}

// Unlock publishes a new split position and releases the table lock. Any fast-path increments
// that landed while the lock was held are discarded; those fetchers retry once they see the
// lock bit clear.
func (t *Table) Unlock(splitPos int) {
	if t.splitPos.Load()&lockBit == 0 {
		panic("attempting to unlock a block table that is not locked")
	}
	if splitPos < 0 || splitPos > t.maxBlocks {
		panic(errors.Newf("split position %d is outside the table [0, %d]", splitPos, t.maxBlocks))
	}

	t.splitPos.Store(uint32(splitPos))
}

// FetchOne claims a free block, stamps it with tag, commits it and returns its index.
//
// The fast path claims a slot with an atomic add on the split position. If the lock bit was set,
// the claim is void: the lock holder's Unlock overwrites it, so the fetch waits for the lock to
// clear and starts over.
//
// The fast path writes the tag into the claimed slot after the split position has already moved
// past it. Free entries keep the tag they had when they were freed, so a FreeTag that takes the
// lock in between can match the claimed slot's stale tag and swap a used entry of some other tag
// into it. This fetch then stamps and returns that other tag's block, which ends up with two
// owners. Tables created with SerializedFetch take the lock for every fetch instead and are not
// exposed to this; otherwise FreeTag must not run concurrently with any fetch.
func (t *Table) FetchOne(tag Tag) (int, error) {
	if !tag.Valid() {
		return -1, errors.Newf("tag %d is outside [0, %d)", tag, MaxTags)
	}

	if t.serializedFetch {
		return t.fetchLocked(tag)
	}

	var spin utils.SpinWait
	for {
		prior := t.splitPos.Add(1) - 1
		if prior&lockBit != 0 {
			for t.Locked() {
				spin.Spin()
			}
			continue
		}

		position := int(prior)
		if position >= t.maxBlocks {
			// Pull the counter back so repeated failures can't creep toward the lock bit. This only
			// succeeds if nothing touched the split position since our add, so no claim is lost.
			t.splitPos.CompareAndSwap(prior+1, uint32(t.maxBlocks))
			return -1, errors.Wrapf(ErrExhausted, "all %d blocks are in use", t.maxBlocks)
		}

		index := t.stamp(position, tag)
		if err := t.commit(index); err != nil {
			return -1, err
		}

		return index, nil
	}
}

func (t *Table) fetchLocked(tag Tag) (int, error) {
	position := t.Lock()
	if position >= t.maxBlocks {
		t.Unlock(position)
		return -1, errors.Wrapf(ErrExhausted, "all %d blocks are in use", t.maxBlocks)
	}

	index := t.stamp(position, tag)
	t.Unlock(position + 1)

	if err := t.commit(index); err != nil {
		return -1, err
	}

	return index, nil
}

func (t *Table) stamp(position int, tag Tag) int {
	slot := &t.entries[position]
	entry := Entry(slot.Load()).WithTag(tag)
	slot.Store(uint32(entry))

	return entry.Index()
}

func (t *Table) commit(index int) error {
	committed := &t.committed[index]
	if committed.Load() {
		return nil
	}

	err := t.provider.Commit(t.Block(index), pages.ProtectionReadWrite)
	if err != nil {
		return errors.Wrapf(err, "failed to commit block %d", index)
	}

	committed.Store(true)
	return nil
}

// FreeTag moves every used block stamped with tag back into the free partition and returns the
// number of blocks freed. beforeUnlock, if not nil, runs while the lock is still held, after the
// partition has been rewritten.
//
// Freed blocks are swapped with the last used entry, so the used partition stays dense. Blocks of
// other tags keep their indices and so their addresses, though they may move to a different slot.
func (t *Table) FreeTag(tag Tag, beforeUnlock func()) (int, error) {
	if !tag.Valid() {
		return 0, errors.Newf("tag %d is outside [0, %d)", tag, MaxTags)
	}

	position := t.Lock()
	end := position

	var decommitErr error
	for slot := position - 1; slot >= 0; slot-- {
		entry := Entry(t.entries[slot].Load())
		if entry.Tag() != tag {
			continue
		}

		end--
		t.entries[slot].Store(t.entries[end].Load())
		t.entries[end].Store(uint32(entry))

		decommitErr = errors.CombineErrors(decommitErr, t.release(entry.Index()))
	}

	if beforeUnlock != nil {
		beforeUnlock()
	}
	t.Unlock(end)

	return position - end, decommitErr
}

func (t *Table) release(index int) error {
	committed := &t.committed[index]
	if !committed.Load() {
		return nil
	}

	block := t.Block(index)
	memutils.DebugFill(block)

	if !t.decommitOnFree {
		return nil
	}

	err := t.provider.Decommit(block)
	if err != nil {
		return errors.Wrapf(err, "failed to decommit block %d", index)
	}

	committed.Store(false)
	return nil
}

// Committed reports whether the block with the provided index is currently backed by memory
func (t *Table) Committed(index int) bool {
	return t.committed[index].Load()
}

// VisitUsed calls visit for every entry in the used partition while holding the table lock.
// visit must not lock the table.
func (t *Table) VisitUsed(visit func(slot int, entry Entry)) {
	position := t.Lock()
	defer t.Unlock(position)

	for slot := 0; slot < position; slot++ {
		visit(slot, Entry(t.entries[slot].Load()))
	}
}

// TagCounts returns the number of used blocks stamped with each tag
func (t *Table) TagCounts() [MaxTags]int {
	var counts [MaxTags]int
	t.VisitUsed(func(slot int, entry Entry) {
		counts[entry.Tag()]++
	})

	return counts
}

// Snapshot returns a copy of every entry and the split position, taken under the table lock
func (t *Table) Snapshot() ([]Entry, int) {
	position := t.Lock()
	defer t.Unlock(position)

	entries := make([]Entry, t.maxBlocks)
	for slot := range entries {
		entries[slot] = Entry(t.entries[slot].Load())
	}

	return entries, position
}
