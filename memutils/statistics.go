package memutils

import "math"

// Statistics holds the basic accounting for a heap: how many bytes sit below the break, how they are
// split between headers and payloads, and how much of the payload is handed out to callers.
type Statistics struct {
	HeapBytes       uintptr
	HeaderBytes     uintptr
	BlockCount      int
	AllocationCount int
	AllocationBytes uintptr
}

func (s *Statistics) Clear() {
	s.HeapBytes = 0
	s.HeaderBytes = 0
	s.BlockCount = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
}

// FreeBytes is the number of payload bytes not handed out to callers
func (s *Statistics) FreeBytes() uintptr {
	return s.HeapBytes - s.HeaderBytes - s.AllocationBytes
}

type DetailedStatistics struct {
	Statistics
	FreeBlockCount    int
	AllocationSizeMin uintptr
	AllocationSizeMax uintptr
	FreeBlockSizeMin  uintptr
	FreeBlockSizeMax  uintptr
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeBlockCount = 0
	s.AllocationSizeMin = math.MaxUint
	s.AllocationSizeMax = 0
	s.FreeBlockSizeMin = math.MaxUint
	s.FreeBlockSizeMax = 0
}

func (s *DetailedStatistics) AddFreeBlock(size uintptr) {
	s.FreeBlockCount++

	if size < s.FreeBlockSizeMin {
		s.FreeBlockSizeMin = size
	}

	if size > s.FreeBlockSizeMax {
		s.FreeBlockSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size uintptr) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}
