package memutils

// Statistics summarizes the blocks held by some part of a heap and the
// allocations that were carved out of them.
type Statistics struct {
	// BlockCount is the number of blocks currently assigned
	BlockCount int
	// BlockBytes is the total size in bytes of the assigned blocks
	BlockBytes int
	// AllocationCount is the number of successful allocations since the blocks were last released
	AllocationCount int
	// AllocationBytes is the number of bytes handed out by those allocations, after alignment
	AllocationBytes int
	// WastedBytes is the number of bytes left at the tail of blocks that were abandoned in favor
	// of a block with more room
	WastedBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.BlockBytes = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
	s.WastedBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.BlockBytes += other.BlockBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
	s.WastedBytes += other.WastedBytes
}

func (s *Statistics) AddBlocks(count int, blockSize int) {
	s.BlockCount += count
	s.BlockBytes += count * blockSize
}

func (s *Statistics) AddAllocations(count int, size int) {
	s.AllocationCount += count
	s.AllocationBytes += size
}

// UnusedBytes is the number of block bytes not handed out to any allocation, wasted tails included
func (s *Statistics) UnusedBytes() int {
	return s.BlockBytes - s.AllocationBytes
}
