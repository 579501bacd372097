package blocktable

import "fmt"

const (
	// EntryBits is the width of a packed block index entry. The low IndexBits hold the block
	// index and the remaining bits hold the tag.
	EntryBits = 16
	// IndexBits is the number of entry bits reserved for the block index
	IndexBits = 12
	// MaxBlocks is the number of blocks a single table can address
	MaxBlocks = 1 << IndexBits
	// MaxTags is the number of distinct tags that fit in the bits left over by the block index
	MaxTags = 1 << (EntryBits - IndexBits)

	indexMask = MaxBlocks - 1
)

// Tag classifies a block with the lifetime of the allocations made from it
type Tag uint8

func (t Tag) Valid() bool {
	return int(t) < MaxTags
}

// Entry is a block index packed together with the tag of the block
type Entry uint32

func MakeEntry(tag Tag, index int) Entry {
	return Entry(uint32(tag)<<IndexBits | uint32(index)&indexMask)
}

func (e Entry) Index() int {
	return int(uint32(e) & indexMask)
}

func (e Entry) Tag() Tag {
	return Tag(uint32(e) >> IndexBits)
}

// WithTag returns the entry's block index stamped with a new tag, discarding the old one
func (e Entry) WithTag(tag Tag) Entry {
	return MakeEntry(tag, e.Index())
}

func (e Entry) String() string {
	return fmt.Sprintf("block %d (tag %d)", e.Index(), e.Tag())
}
