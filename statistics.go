package tagheap

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tagheap/internal/blocktable"
	"github.com/vkngwrapper/tagheap/memutils"
)

// Statistics is a point-in-time summary of a heap. Counters are read without stopping
// allocation, so a snapshot taken while workers are allocating may be slightly inconsistent.
type Statistics struct {
	// Total sums Tags
	Total memutils.Statistics
	// Tags holds the blocks and allocations of each tag since the tag was last freed
	Tags [MaxTags]memutils.Statistics
	// FreeBlocks is the number of blocks not assigned to any tag
	FreeBlocks int
	// LiveWorkers is the number of workers currently held
	LiveWorkers int
}

// Statistics retrieves the current block and allocation counts for every tag
func (h *Heap) Statistics() (Statistics, error) {
	var stats Statistics
	if err := h.checkReady(); err != nil {
		return stats, err
	}

	counts := h.table.TagCounts()
	used := 0
	for tag, count := range counts {
		tagStats := &stats.Tags[tag]
		tagStats.AddBlocks(count, h.blockSize)
		used += count

		for worker := 0; worker < h.workers.HighWater(); worker++ {
			h.caches.Cache(worker).AddStatistics(Tag(tag), tagStats)
		}
		tagStats.AddAllocations(int(h.runs[tag].allocations.Load()), int(h.runs[tag].bytes.Load()))

		stats.Total.AddStatistics(tagStats)
	}

	stats.FreeBlocks = h.table.MaxBlocks() - used
	stats.LiveWorkers = h.workers.Live()

	return stats, nil
}

func writeStatistics(json *jwriter.ObjectState, stats *memutils.Statistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("WastedBytes").Int(stats.WastedBytes)
	json.Name("UnusedBytes").Int(stats.UnusedBytes())
}

// BuildStatsString produces a JSON document describing the heap. When detailed is true, the
// document also lists every used block and every worker's working blocks.
func (h *Heap) BuildStatsString(detailed bool) (string, error) {
	stats, err := h.Statistics()
	if err != nil {
		return "", err
	}

	writer := jwriter.NewWriter()
	json := writer.Object()

	general := json.Name("General").Object()
	general.Name("BlockSize").Int(h.blockSize)
	general.Name("BlockCount").Int(h.table.MaxBlocks())
	general.Name("FreeBlocks").Int(stats.FreeBlocks)
	general.Name("LiveWorkers").Int(stats.LiveWorkers)
	general.Name("MaxWorkers").Int(h.workers.MaxWorkers())
	general.Name("Flags").String(h.flags.String())
	general.End()

	total := json.Name("Total").Object()
	writeStatistics(&total, &stats.Total)
	total.End()

	tags := json.Name("Tags").Object()
	for tag := range stats.Tags {
		tagStats := &stats.Tags[tag]
		if tagStats.BlockCount == 0 && tagStats.AllocationCount == 0 {
			continue
		}

		tagObj := tags.Name(strconv.Itoa(tag)).Object()
		writeStatistics(&tagObj, tagStats)
		tagObj.End()
	}
	tags.End()

	if detailed {
		h.writeDetailedMap(&json)
	}

	json.End()

	if err := writer.Error(); err != nil {
		return "", err
	}

	return string(writer.Bytes()), nil
}

func (h *Heap) writeDetailedMap(json *jwriter.ObjectState) {
	blocks := json.Name("Blocks").Array()
	h.table.VisitUsed(func(slot int, entry blocktable.Entry) {
		block := blocks.Object()
		block.Name("Slot").Int(slot)
		block.Name("Index").Int(entry.Index())
		block.Name("Tag").Int(int(entry.Tag()))
		block.Name("Offset").Int(entry.Index() * h.blockSize)
		block.Name("Committed").Bool(h.table.Committed(entry.Index()))
		block.End()
	})
	blocks.End()

	workerObjs := json.Name("Workers").Object()
	for worker := 0; worker < h.workers.HighWater(); worker++ {
		workerCache := h.caches.Cache(worker)

		var workerObj jwriter.ObjectState
		started := false
		for tag := 0; tag < MaxTags; tag++ {
			block, used, ok := workerCache.WorkingBlock(Tag(tag))
			if !ok {
				continue
			}

			if !started {
				workerObj = workerObjs.Name(strconv.Itoa(worker)).Object()
				started = true
			}

			tagObj := workerObj.Name(strconv.Itoa(tag)).Object()
			tagObj.Name("Block").Int(block)
			tagObj.Name("Used").Int(used)
			tagObj.End()
		}

		if started {
			workerObj.End()
		}
	}
	workerObjs.End()
}
