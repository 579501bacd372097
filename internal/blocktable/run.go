package blocktable

import (
	"github.com/cockroachdb/errors"
)

// FetchRun claims count free blocks whose indices, and so whose addresses, are contiguous. Every
// block in the run is stamped with tag and committed, and the index of the first block is returned.
//
// Free entries are not kept in address order, so the run is found by mapping every free block
// index to its slot and scanning the map for count consecutive free indices. The run's entries
// are then swapped to the front of the free partition and the split position is advanced past
// them. All of this happens under the table lock.
func (t *Table) FetchRun(tag Tag, count int) (int, error) {
	if !tag.Valid() {
		return -1, errors.Newf("tag %d is outside [0, %d)", tag, MaxTags)
	}
	if count <= 0 {
		return -1, errors.Newf("cannot fetch a run of %d blocks", count)
	}
	if count == 1 {
		return t.FetchOne(tag)
	}

	position := t.Lock()
	if t.maxBlocks-position < count {
		t.Unlock(position)
		return -1, errors.Wrapf(ErrExhausted, "%d blocks were requested but only %d are free", count, t.maxBlocks-position)
	}

	// slotOf maps a block index to its slot in the free partition, or -1 if the block is used
	slotOf := make([]int, t.maxBlocks)
	for i := range slotOf {
		slotOf[i] = -1
	}
	for slot := position; slot < t.maxBlocks; slot++ {
		slotOf[Entry(t.entries[slot].Load()).Index()] = slot
	}

	first := -1
	length := 0
	for index := 0; index < t.maxBlocks; index++ {
		if slotOf[index] < 0 {
			length = 0
			continue
		}

		length++
		if length == count {
			first = index - count + 1
			break
		}
	}

	if first < 0 {
		t.Unlock(position)
		return -1, errors.Wrapf(ErrExhausted, "no run of %d contiguous free blocks", count)
	}

	for offset := 0; offset < count; offset++ {
		index := first + offset
		target := position + offset
		source := slotOf[index]

		displaced := Entry(t.entries[target].Load())
		t.entries[source].Store(uint32(displaced))
		slotOf[displaced.Index()] = source

		t.entries[target].Store(uint32(MakeEntry(tag, index)))
		slotOf[index] = target
	}

	t.Unlock(position + count)

	for index := first; index < first+count; index++ {
		if err := t.commit(index); err != nil {
			return -1, err
		}
	}

	return first, nil
}
