package blocktable

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// Validate checks that the entries form a partition of the block indices: every index in
// [0, MaxBlocks) appears exactly once across the used and free partitions.
func (t *Table) Validate() error {
	position := t.Lock()
	defer t.Unlock(position)

	slots := swiss.NewMap[int, int](uint32(t.maxBlocks))
	for slot := 0; slot < t.maxBlocks; slot++ {
		index := Entry(t.entries[slot].Load()).Index()
		if index >= t.maxBlocks {
			return errors.Newf("slot %d refers to block %d, but the table only has %d blocks", slot, index, t.maxBlocks)
		}

		if previous, seen := slots.Get(index); seen {
			return errors.Newf("block %d appears in both slot %d and slot %d", index, previous, slot)
		}
		slots.Put(index, slot)
	}

	if slots.Count() != t.maxBlocks {
		return errors.Newf("the table holds %d distinct blocks, expected %d", slots.Count(), t.maxBlocks)
	}

	return nil
}
