package halloc

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/halloc/memutils"
	"github.com/vkngwrapper/halloc/memutils/metadata"
)

// GetStatistics overwrites stats with the heap's byte and block counts. It is cheaper than
// CalculateStatistics, which also tracks the size range of allocations and free blocks.
func (a *Allocator) GetStatistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.Clear()
	a.metadata.AddStatistics(stats)
}

// CalculateStatistics overwrites stats with the current state of the heap
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.Clear()
	a.metadata.AddDetailedStatistics(stats)
}

func printStatistics(json jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("HeapBytes").Int(int(stats.HeapBytes))
	json.Name("HeaderBytes").Int(int(stats.HeaderBytes))
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(int(stats.AllocationBytes))
	json.Name("FreeBlockCount").Int(stats.FreeBlockCount)
	json.Name("FreeBytes").Int(int(stats.FreeBytes()))

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(int(stats.AllocationSizeMin))
		json.Name("AllocationSizeMax").Int(int(stats.AllocationSizeMax))
	}

	if stats.FreeBlockCount > 0 {
		json.Name("FreeBlockSizeMin").Int(int(stats.FreeBlockSizeMin))
		json.Name("FreeBlockSizeMax").Int(int(stats.FreeBlockSizeMax))
	}
}

// BuildStatsString returns a JSON document describing the heap. With detailedMap set, it also lists
// every block in address order.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.metadata.AddDetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	totalObj := rootObj.Name("Total").Object()
	printStatistics(totalObj, &stats)
	totalObj.End()

	if detailedMap {
		heapObj := rootObj.Name("Heap").Object()
		heapObj.Name("Flags").String(a.createFlags.String())
		a.metadata.BlockJsonData(heapObj)
		a.printDetailedMapBlocks(heapObj)
		heapObj.End()
	}

	rootObj.End()

	return string(writer.Bytes())
}

func (a *Allocator) printDetailedMapBlocks(json jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = a.metadata.VisitAllRegions(
		func(handle metadata.BlockHandle, offset uintptr, size uintptr, tag metadata.Tag, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(int(offset))
			obj.Name("Size").Int(int(size))
			obj.Name("Free").Bool(free)
			obj.Name("Tag").String(tag.String())

			if !free {
				requested, isLive := a.live.Get(Ptr(offset))
				if isLive {
					obj.Name("RequestedSize").Int(int(requested))
				}
			}

			return nil
		})
}
