package tagheap

import (
	"context"
	"io"
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/inhies/go-bytesize"
	"github.com/vkngwrapper/tagheap/internal/blocktable"
	"github.com/vkngwrapper/tagheap/internal/cache"
	"github.com/vkngwrapper/tagheap/internal/workers"
	"github.com/vkngwrapper/tagheap/memutils"
	"github.com/vkngwrapper/tagheap/pages"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateSerializedFetch takes the block table lock for every block fetch. Without it, fetches
	// use a lock-free fast path that can race with a concurrent FreeTag; see Heap.FreeTag.
	CreateSerializedFetch CreateFlags = 1 << iota
	// CreateDecommitOnFree hands the physical memory of freed blocks back to the operating system
	// as soon as their tag is freed. Blocks are recommitted the next time they are fetched.
	CreateDecommitOnFree
	// CreateExternallySynchronized ensures that worker acquisition and release are not synchronized
	// internally. The consumer must guarantee that AcquireWorker and Worker.Release are never called
	// concurrently. Allocation and FreeTag are unaffected.
	CreateExternallySynchronized
)

var createFlagsMapping = map[CreateFlags]string{
	CreateSerializedFetch:        "CreateSerializedFetch",
	CreateDecommitOnFree:         "CreateDecommitOnFree",
	CreateExternallySynchronized: "CreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateSerializedFetch; bit <= CreateExternallySynchronized; bit <<= 1 {
		if f&bit != 0 {
			names = append(names, createFlagsMapping[bit])
		}
	}

	return strings.Join(names, "|")
}

// Tag classifies allocations by lifetime. All memory allocated with a tag is released together
// by Heap.FreeTag.
type Tag = blocktable.Tag

const (
	// MaxTags is the number of distinct tags a heap supports
	MaxTags = blocktable.MaxTags
	// MaxBlocks is the largest number of blocks a heap can address
	MaxBlocks = blocktable.MaxBlocks
	// Alignment is the alignment of every address returned from Worker.Alloc
	Alignment = cache.Alignment

	// DefaultBlockSize is the value that is used as the BlockSize when none is provided via
	// CreateOptions. It is equal to 2Mb.
	DefaultBlockSize int = 2 * 1024 * 1024
	// DefaultMaxWorkers is the value that is used as MaxWorkers when none is provided via
	// CreateOptions
	DefaultMaxWorkers int = bits.UintSize

	maxBlockSize int = 1 << 30
)

// CreateOptions contains optional settings when creating a heap
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags
	// BlockSize is the size of the blocks the heap hands out to tags. It must be a power of two
	// no smaller than the page size. Allocations larger than a block are placed in a run of
	// contiguous blocks.
	BlockSize int
	// MaxWorkers is the number of workers that may be held at once
	MaxWorkers int

	// Memory can be left empty, in which case the heap reserves its own address space. If it is
	// provided, it must be page aligned address space obtained from pages.Reserve or an equivalent
	// mapping; it must not be memory allocated by Go. The heap does not release caller memory when
	// it is destroyed, it only decommits it and removes all access rights from it.
	Memory []byte
	// ReserveBytes is the amount of address space to reserve when Memory is empty. When it is 0,
	// enough is reserved for MaxBlocks blocks.
	ReserveBytes int

	// PageProvider can be left empty to use the operating system directly
	PageProvider pages.Provider
}

// New creates a new Heap
//
// logger - receives diagnostic records. May be nil.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Heap, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	heap := &Heap{
		logger:   logger,
		flags:    options.Flags,
		provider: options.PageProvider,
	}

	if heap.provider == nil {
		heap.provider = pages.OS{}
	}

	heap.blockSize = options.BlockSize
	if heap.blockSize == 0 {
		heap.blockSize = DefaultBlockSize
	}
	if err := memutils.CheckPow2(heap.blockSize, "CreateOptions.BlockSize"); err != nil {
		return nil, err
	}
	if heap.blockSize < pages.PageSize() || heap.blockSize > maxBlockSize {
		return nil, errors.Newf("CreateOptions.BlockSize must be between the page size %d and %d, but was %d", pages.PageSize(), maxBlockSize, heap.blockSize)
	}

	maxWorkers := options.MaxWorkers
	if maxWorkers == 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if maxWorkers < 0 {
		return nil, errors.Newf("CreateOptions.MaxWorkers must not be negative, but was %d", maxWorkers)
	}

	if err := heap.claimMemory(options); err != nil {
		return nil, err
	}

	var err error
	heap.table, err = blocktable.New(blocktable.Options{
		Memory:          heap.memory,
		BlockSize:       heap.blockSize,
		Provider:        heap.provider,
		SerializedFetch: options.Flags&CreateSerializedFetch != 0,
		DecommitOnFree:  options.Flags&CreateDecommitOnFree != 0,
	})
	if err != nil {
		if heap.ownsMemory {
			err = errors.CombineErrors(err, heap.provider.Release(heap.region))
		}
		return nil, err
	}
	heap.memory = heap.memory[:heap.table.MaxBlocks()*heap.blockSize]

	heap.caches = cache.NewSet(maxWorkers, heap.blockSize)
	heap.workers = workers.NewRegistry(maxWorkers, options.Flags&CreateExternallySynchronized == 0)
	heap.state.Store(heapReady)

	logger.LogAttrs(context.Background(), slog.LevelDebug, "created tagged heap",
		slog.String("blockSize", bytesize.New(float64(heap.blockSize)).String()),
		slog.Int("blocks", heap.table.MaxBlocks()),
		slog.Int("maxWorkers", maxWorkers),
		slog.Bool("ownsMemory", heap.ownsMemory),
		slog.String("flags", heap.flags.String()),
	)

	return heap, nil
}

func (h *Heap) claimMemory(options CreateOptions) error {
	if len(options.Memory) > 0 {
		err := memutils.CheckAligned(pages.Address(options.Memory), uintptr(pages.PageSize()), "CreateOptions.Memory address")
		if err != nil {
			return err
		}

		h.region = options.Memory
		h.memory = options.Memory
		return nil
	}

	reserveBytes := options.ReserveBytes
	if reserveBytes == 0 || reserveBytes > MaxBlocks*h.blockSize {
		reserveBytes = MaxBlocks * h.blockSize
	}
	reserveBytes = memutils.AlignDown(reserveBytes, h.blockSize)
	if reserveBytes == 0 {
		return errors.Newf("CreateOptions.ReserveBytes %d cannot hold a single %d byte block", options.ReserveBytes, h.blockSize)
	}

	region, err := h.provider.Reserve(reserveBytes)
	if err != nil {
		return err
	}

	h.region = region
	h.memory = region
	h.ownsMemory = true
	return nil
}

// returnMemory releases reserved memory. Caller memory stays reserved, but its pages are
// decommitted and left with no access rights.
func (h *Heap) returnMemory() error {
	if h.ownsMemory {
		return h.provider.Release(h.region)
	}

	return h.provider.Decommit(h.memory)
}
