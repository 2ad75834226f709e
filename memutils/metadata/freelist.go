package metadata

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/halloc/memutils"
	"github.com/vkngwrapper/halloc/memutils/brk"
	"golang.org/x/exp/slog"
)

// MaxAllocationSize is the largest request the heap will attempt to grow for. Anything larger could not
// be rounded to the alignment unit and given a header without overflowing.
const MaxAllocationSize = ^uintptr(0) - HeaderSize - memutils.Alignment

// FreeListMetadata is a first-fit allocator over a singly linked, address-ordered list of blocks whose
// headers live inside the heap itself. Released blocks stay in the list and are coalesced with their
// free neighbors the next time a search walks over them.
type FreeListMetadata struct {
	BlockMetadataBase

	head       BlockHandle
	allocCount int
}

var _ BlockMetadata = &FreeListMetadata{}

func NewFreeListMetadata() *FreeListMetadata {
	return &FreeListMetadata{
		BlockMetadataBase: NewBlockMetadata(),
		head:              NoBlock,
	}
}

func (m *FreeListMetadata) Init(source brk.Source) {
	m.BlockMetadataBase.Init(source)
	m.head = NoBlock
	m.allocCount = 0
}

// Head returns the first block in the heap, or NoBlock if nothing has been allocated yet
func (m *FreeListMetadata) Head() BlockHandle {
	return m.head
}

func (m *FreeListMetadata) Size() uintptr {
	if m.head == NoBlock {
		return 0
	}

	return uintptr(len(m.region)) - uintptr(m.head)
}

func (m *FreeListMetadata) header(block BlockHandle) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(&m.region[block]))
}

func (m *FreeListMetadata) inBounds(block BlockHandle) bool {
	return block != NoBlock &&
		memutils.IsAligned(uintptr(block), memutils.Alignment) &&
		uintptr(block) <= uintptr(len(m.region)) &&
		uintptr(len(m.region))-uintptr(block) >= HeaderSize
}

func (m *FreeListMetadata) blockEnd(block BlockHandle, header *blockHeader) uintptr {
	return uintptr(block) + HeaderSize + header.size
}

// walk calls visit for each block in address order. It stops with an error marked
// memutils.CorruptionError if a forward link leaves the heap or does not move forward.
func (m *FreeListMetadata) walk(visit func(block BlockHandle, header *blockHeader) error) error {
	for block := m.head; block != NoBlock; {
		if !m.inBounds(block) {
			return errors.Wrapf(memutils.CorruptionError, "block link %d points outside of the %d byte heap", block, len(m.region))
		}

		header := m.header(block)
		err := visit(block, header)
		if err != nil {
			return err
		}

		if header.next != NoBlock && header.next <= block {
			return errors.Wrapf(memutils.CorruptionError, "block at offset %d links backward to offset %d", block, header.next)
		}
		block = header.next
	}

	return nil
}

func (m *FreeListMetadata) Validate() error {
	if m.head == NoBlock {
		if m.allocCount != 0 {
			return errors.Newf("the heap has no blocks, but the allocation count is %d", m.allocCount)
		}
		return nil
	}

	var allocCount int
	err := m.walk(func(block BlockHandle, header *blockHeader) error {
		err := m.checkHeader(block, header)
		if err != nil {
			return err
		}

		if !memutils.IsAligned(header.size, memutils.Alignment) {
			return errors.Wrapf(memutils.CorruptionError, "block at offset %d has size %d, which is not a multiple of %d", block, header.size, memutils.Alignment)
		}

		end := m.blockEnd(block, header)
		if end > uintptr(len(m.region)) {
			return errors.Wrapf(memutils.CorruptionError, "block at offset %d ends at %d, past the break at %d", block, end, len(m.region))
		}

		if header.next == NoBlock && end != uintptr(len(m.region)) {
			return errors.Wrapf(memutils.CorruptionError, "the last block ends at %d, but the break is at %d", end, len(m.region))
		} else if header.next != NoBlock && uintptr(header.next) != end {
			return errors.Wrapf(memutils.CorruptionError, "block at offset %d ends at %d, but the next block starts at %d", block, end, header.next)
		}

		if !header.IsFree() {
			allocCount++
		}

		return nil
	})
	if err != nil {
		return err
	}

	if allocCount != m.allocCount {
		return errors.Newf("the allocation count of the metadata is %d, but the taken blocks only added up to %d", m.allocCount, allocCount)
	}

	return nil
}

func (m *FreeListMetadata) checkHeader(block BlockHandle, header *blockHeader) error {
	if !header.tag.IsKnown() {
		return errors.Wrapf(memutils.CorruptionError, "block at offset %d has unknown tag %s", block, header.tag)
	}

	if header.free > 1 {
		return errors.Wrapf(memutils.CorruptionError, "block at offset %d has free flag %d", block, header.free)
	}

	if header.IsFree() == (header.tag == TagAllocated) {
		return errors.Wrapf(memutils.CorruptionError, "block at offset %d has tag %s, but its free flag is %t", block, header.tag, header.IsFree())
	}

	return nil
}

func (m *FreeListMetadata) CheckCorruption() error {
	return m.walk(m.checkHeader)
}

func (m *FreeListMetadata) VerifyAllocation(handle BlockHandle) error {
	if !m.inBounds(handle) {
		return errors.Wrapf(memutils.CorruptionError, "block header at offset %d is outside of the %d byte heap", handle, len(m.region))
	}

	header := m.header(handle)
	if header.tag != TagAllocated || header.IsFree() {
		return errors.Wrapf(memutils.CorruptionError, "block at offset %d should be allocated, but has tag %s and free flag %d", handle, header.tag, header.free)
	}

	if header.size > uintptr(len(m.region))-uintptr(handle)-HeaderSize {
		return errors.Wrapf(memutils.CorruptionError, "block at offset %d has size %d, which runs past the break at %d", handle, header.size, len(m.region))
	}

	return nil
}

func (m *FreeListMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *FreeListMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *FreeListMetadata) IsFullyFree() bool {
	err := m.walk(func(block BlockHandle, header *blockHeader) error {
		if !header.IsFree() {
			return errVisitDone
		}
		return nil
	})

	// A heap whose links can't be followed to the end is not known to be free
	return err == nil
}

var errVisitDone = errors.New("visit done")

func (m *FreeListMetadata) VisitAllRegions(handleBlock func(handle BlockHandle, offset uintptr, size uintptr, tag Tag, free bool) error) error {
	return m.walk(func(block BlockHandle, header *blockHeader) error {
		return handleBlock(block, uintptr(block)+HeaderSize, header.size, header.tag, header.IsFree())
	})
}

func (m *FreeListMetadata) Payload(handle BlockHandle) []byte {
	start := uintptr(handle) + HeaderSize
	end := start + m.header(handle).size
	return m.region[start:end:end]
}

func (m *FreeListMetadata) AllocationSize(handle BlockHandle) (uintptr, error) {
	err := m.VerifyAllocation(handle)
	if err != nil {
		return 0, err
	}

	return m.header(handle).size, nil
}

func (m *FreeListMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.HeapBytes += m.Size()

	_ = m.walk(func(block BlockHandle, header *blockHeader) error {
		stats.BlockCount++
		stats.HeaderBytes += HeaderSize

		if header.IsFree() {
			stats.AddFreeBlock(header.size)
		} else {
			stats.AddAllocation(header.size)
		}
		return nil
	})
}

func (m *FreeListMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.HeapBytes += m.Size()

	_ = m.walk(func(block BlockHandle, header *blockHeader) error {
		stats.BlockCount++
		stats.HeaderBytes += HeaderSize

		if !header.IsFree() {
			stats.AllocationCount++
			stats.AllocationBytes += header.size
		}
		return nil
	})
}

func (m *FreeListMetadata) Clear() {
	m.allocCount = 0
	if m.head == NoBlock {
		return
	}

	header := m.header(m.head)
	header.size = uintptr(len(m.region)) - uintptr(m.head) - HeaderSize
	header.next = NoBlock
	header.MarkFree(TagReleased)
}

func (m *FreeListMetadata) BlockJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.BlockMetadataBase.BlockJsonData(json, stats.HeapBytes, stats.FreeBytes(), stats.AllocationCount, stats.FreeBlockCount)
}

func (m *FreeListMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset uintptr, size uintptr)) {
	_ = m.walk(func(block BlockHandle, header *blockHeader) error {
		if !header.IsFree() {
			logFunc(logger, uintptr(block)+HeaderSize, header.size)
		}
		return nil
	})
}

func (m *FreeListMetadata) CreateAllocationRequest(allocSize uintptr) (AllocationRequest, error) {
	request := AllocationRequest{
		Type:      AllocationRequestGrow,
		Block:     NoBlock,
		AllocSize: allocSize,
	}

	if allocSize == 0 {
		return request, errors.Wrap(memutils.InvalidArgumentError, "allocation size must be positive")
	}

	memutils.DebugValidate(m)

	// The run anchor is the first block of the free run being accumulated, or the most recent
	// allocated block when the walk is not inside a run
	anchor := NoBlock
	var anchorFree bool
	var runSize uintptr

	err := m.walk(func(block BlockHandle, header *blockHeader) error {
		if !header.IsFree() {
			anchor = block
			anchorFree = false
			runSize = 0
			return nil
		}

		if anchorFree {
			runSize += HeaderSize + header.size
		} else {
			anchor = block
			anchorFree = true
			runSize = header.size
		}

		if runSize < allocSize {
			return nil
		}

		// Fold the run into its anchor
		anchorHeader := m.header(anchor)
		anchorHeader.size = runSize
		anchorHeader.next = header.next
		anchorHeader.tag = TagCoalesced

		request.Type = AllocationRequestReuse
		return errVisitDone
	})
	if err != nil && !errors.Is(err, errVisitDone) {
		return request, err
	}

	request.Block = anchor
	request.Size = runSize
	return request, nil
}

func (m *FreeListMetadata) Alloc(request AllocationRequest) (BlockHandle, error) {
	var block BlockHandle

	switch request.Type {
	case AllocationRequestReuse:
		if !m.inBounds(request.Block) {
			return NoBlock, errors.Newf("allocation request refers to block %d, which is outside of the heap", request.Block)
		}

		header := m.header(request.Block)
		if !header.IsFree() || header.size != request.Size || request.Size < request.AllocSize {
			return NoBlock, errors.Newf("allocation request for block %d is stale: the block is %d bytes and free is %t", request.Block, header.size, header.IsFree())
		}

		block = request.Block
		header.MarkTaken()
		m.split(block, request.Size, request.AllocSize)
	case AllocationRequestGrow:
		var err error
		block, err = m.extend(request.Block, request.Size, request.AllocSize)
		if err != nil {
			return NoBlock, err
		}

		if m.head == NoBlock {
			m.head = block
		}
		m.header(block).MarkTaken()
	default:
		return NoBlock, errors.Newf("unknown allocation request type %d", request.Type)
	}

	m.allocCount++
	return block, nil
}

// extend grows the heap so that an allocation of size bytes fits at its tail. last is the anchor of the
// free run at the tail when coalesced is nonzero, and the last block (or NoBlock) otherwise.
func (m *FreeListMetadata) extend(last BlockHandle, coalesced uintptr, size uintptr) (BlockHandle, error) {
	if size > MaxAllocationSize {
		return NoBlock, errors.Wrapf(memutils.ExhaustionError, "allocation of %d bytes is larger than the maximum of %d", size, MaxAllocationSize)
	}

	if coalesced >= size {
		return NoBlock, errors.AssertionFailedf("heap growth requested for %d bytes with %d free bytes already at the tail", size, coalesced)
	}

	growBy := memutils.AlignUp(size-coalesced, memutils.Alignment)
	breakOffset := uintptr(len(m.region))

	if coalesced > 0 {
		if uintptr(last)+HeaderSize+coalesced != breakOffset {
			return NoBlock, errors.AssertionFailedf("free run at offset %d does not end at the break %d", last, breakOffset)
		}

		// The tail run already has a header, so it only needs its payload topped up
		_, err := m.grow(growBy)
		if err != nil {
			return NoBlock, err
		}

		header := m.header(last)
		header.size = coalesced + growBy
		header.next = NoBlock
		header.tag = TagCoalesced
		return last, nil
	}

	if last != NoBlock && m.blockEnd(last, m.header(last)) != breakOffset {
		return NoBlock, errors.AssertionFailedf("the last block at offset %d does not end at the break %d", last, breakOffset)
	}

	prev, err := m.grow(growBy + HeaderSize)
	if err != nil {
		return NoBlock, err
	}

	if !memutils.IsAligned(prev, memutils.Alignment) {
		return NoBlock, errors.AssertionFailedf("source break %d is not aligned to %d", prev, memutils.Alignment)
	}

	block := BlockHandle(prev)
	header := m.header(block)
	header.size = growBy
	header.next = NoBlock
	header.MarkFree(TagExtended)

	if last != NoBlock {
		m.header(last).next = block
	}

	return block, nil
}

// split carves the unused tail of an allocated block into a new free block, provided there is room for
// a header and at least one alignment unit of payload
func (m *FreeListMetadata) split(block BlockHandle, available uintptr, size uintptr) {
	used := memutils.AlignUp(size, memutils.Alignment)
	if available < used || available-used <= HeaderSize {
		return
	}

	header := m.header(block)
	successor := BlockHandle(uintptr(block) + HeaderSize + used)
	memutils.DebugCheckAligned(uintptr(successor), "split block offset")
	successorHeader := m.header(successor)
	successorHeader.size = available - used - HeaderSize
	successorHeader.next = header.next
	successorHeader.MarkFree(TagSplit)

	header.size = used
	header.next = successor
}

func (m *FreeListMetadata) Free(handle BlockHandle) error {
	err := m.VerifyAllocation(handle)
	if err != nil {
		return err
	}

	m.header(handle).MarkFree(TagReleased)
	m.allocCount--

	return nil
}

func (m *FreeListMetadata) Reinstate(handle BlockHandle) error {
	if !m.inBounds(handle) {
		return errors.Newf("block %d is outside of the heap", handle)
	}

	header := m.header(handle)
	if header.tag != TagReleased || !header.IsFree() {
		return errors.Newf("block at offset %d was not released: it has tag %s", handle, header.tag)
	}

	header.MarkTaken()
	m.allocCount++

	return nil
}
