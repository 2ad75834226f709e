package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/halloc/memutils"
	"github.com/vkngwrapper/halloc/memutils/brk"
	"golang.org/x/exp/slog"
)

// BlockMetadata manages the blocks of a heap carved out of a brk.Source. It places allocations within
// the heap, releases them, and grows the source when no released memory can be reused.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. The metadata takes ownership of the provided
	// source: nothing else may move its break for as long as the metadata is in use.
	Init(source brk.Source)
	// Size retrieves the number of bytes between the first block and the current break
	Size() uintptr

	// Validate performs internal consistency checks on the metadata: every block must end exactly where
	// the next begins, the last block must end at the break, header tags must agree with free flags, and
	// the live allocation count must match the blocks marked allocated. Walks the entire heap.
	Validate() error
	// AllocationCount returns the number of blocks currently handed out
	AllocationCount() int

	// IsEmpty will return true if this heap has no live allocations
	IsEmpty() bool
	// IsFullyFree walks the heap and returns true if every block is free. A heap whose block links are
	// corrupted is never reported as fully free.
	IsFullyFree() bool

	// VisitAllRegions will call the provided callback once for each block in the heap, in address order.
	// This walks the entire heap and should generally be done only for diagnostic purposes.
	VisitAllRegions(handleBlock func(handle BlockHandle, offset uintptr, size uintptr, tag Tag, free bool) error) error

	// Payload returns the payload bytes of the block. The slice length and capacity are both the
	// block's payload size.
	Payload(handle BlockHandle) []byte
	// AllocationSize returns the payload size of a live allocation
	AllocationSize(handle BlockHandle) (uintptr, error)
	// VerifyAllocation returns nil if the handle refers to a block header that is in bounds and marked
	// allocated. It returns an error marked with memutils.CorruptionError otherwise.
	VerifyAllocation(handle BlockHandle) error
	// CheckCorruption walks the heap and verifies every header's tag and free flag
	CheckCorruption() error

	// AddDetailedStatistics sums this heap's statistics into the provided memutils.DetailedStatistics
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this heap's statistics into the provided memutils.Statistics
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations, leaving a single free block that spans the heap
	Clear()
	// BlockJsonData populates a json object with information about this heap
	BlockJsonData(json jwriter.ObjectState)
	// DebugLogAllAllocations calls logFunc once for each live allocation
	DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset uintptr, size uintptr))

	// CreateAllocationRequest searches for a place to put an allocation of allocSize bytes. The search
	// walks the heap from the first block and stops at the first run of adjacent free blocks whose
	// combined bytes can hold the allocation.
	//
	// The search MUTATES the heap: when it succeeds, the free run it found is coalesced into its first
	// block before the request is returned, and stays coalesced even if the request is never committed.
	// When no run is large enough, the heap is not modified and the returned request describes how much
	// the heap must grow.
	CreateAllocationRequest(allocSize uintptr) (AllocationRequest, error)
	// Alloc commits an AllocationRequest, growing the heap if the request demands it, and returns the
	// handle of the newly allocated block. If growth fails, the heap is left exactly as it was and the
	// error is marked with memutils.ExhaustionError.
	Alloc(request AllocationRequest) (BlockHandle, error)
	// Free marks a live allocation as free. Free never merges blocks; that is left for the next
	// CreateAllocationRequest.
	Free(handle BlockHandle) error
	// Reinstate marks a block freed by Free as allocated again. It is only valid while the heap has not
	// been modified since the call to Free, such as after an allocation that failed to grow the heap.
	Reinstate(handle BlockHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	source brk.Source
	region []byte
}

// NewBlockMetadata creates a new BlockMetadataBase. It is not usable until Init is called
func NewBlockMetadata() BlockMetadataBase {
	return BlockMetadataBase{}
}

// Init attaches the source this metadata carves its heap from
func (m *BlockMetadataBase) Init(source brk.Source) {
	m.source = source
	m.region = source.Bytes()
}

// grow advances the source's break and refreshes the cached view of the region
func (m *BlockMetadataBase) grow(increment uintptr) (uintptr, error) {
	prev, err := m.source.Sbrk(increment)
	if err != nil {
		return 0, err
	}

	m.region = m.source.Bytes()
	return prev, nil
}

// BlockJsonData populates a json object with information about this heap
func (m *BlockMetadataBase) BlockJsonData(json jwriter.ObjectState, heapBytes, unusedBytes uintptr, allocationCount, freeBlockCount int) {
	json.Name("TotalBytes").Int(int(heapBytes))
	json.Name("UnusedBytes").Int(int(unusedBytes))
	json.Name("Allocations").Int(allocationCount)
	json.Name("FreeBlocks").Int(freeBlockCount)
}
