package metadata_test

import (
	"encoding/json"
	"math"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/halloc/memutils"
	"github.com/vkngwrapper/halloc/memutils/brk"
	"github.com/vkngwrapper/halloc/memutils/brk/mocks"
	"github.com/vkngwrapper/halloc/memutils/metadata"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

type region struct {
	offset uintptr
	size   uintptr
	tag    metadata.Tag
	free   bool
}

func collectRegions(t require.TestingT, md metadata.BlockMetadata) []region {
	var regions []region
	err := md.VisitAllRegions(func(handle metadata.BlockHandle, offset uintptr, size uintptr, tag metadata.Tag, free bool) error {
		regions = append(regions, region{offset: offset, size: size, tag: tag, free: free})
		return nil
	})
	require.NoError(t, err)
	return regions
}

func freeRegionCount(t *testing.T, md metadata.BlockMetadata) int {
	var count int
	for _, r := range collectRegions(t, md) {
		if r.free {
			count++
		}
	}
	return count
}

func freeBytes(md metadata.BlockMetadata) uintptr {
	var stats memutils.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)
	return stats.FreeBytes()
}

func newFreeList(t *testing.T, limit int) (*metadata.FreeListMetadata, *brk.Arena) {
	arena, err := brk.NewArena(limit)
	require.NoError(t, err)

	md := metadata.NewFreeListMetadata()
	md.Init(arena)
	return md, arena
}

func alloc(t *testing.T, md metadata.BlockMetadata, size uintptr) metadata.BlockHandle {
	req, err := md.CreateAllocationRequest(size)
	require.NoError(t, err)

	block, err := md.Alloc(req)
	require.NoError(t, err)
	require.NoError(t, md.Validate())
	return block
}

func TestFreeListBasicAlloc(t *testing.T) {
	h := metadata.HeaderSize
	md, arena := newFreeList(t, 4096)

	var stats memutils.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		AllocationSizeMin: math.MaxUint,
		FreeBlockSizeMin:  math.MaxUint,
	}, stats)
	require.Equal(t, metadata.NoBlock, md.Head())
	require.True(t, md.IsFullyFree())

	req, err := md.CreateAllocationRequest(100)
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationRequest{
		Type:      metadata.AllocationRequestGrow,
		Block:     metadata.NoBlock,
		Size:      0,
		AllocSize: 100,
	}, req)

	block, err := md.Alloc(req)
	require.NoError(t, err)
	require.Equal(t, metadata.BlockHandle(0), block)
	require.Equal(t, block, md.Head())
	require.Len(t, arena.Bytes(), int(h+104))

	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapBytes:       h + 104,
			HeaderBytes:     h,
			BlockCount:      1,
			AllocationCount: 1,
			AllocationBytes: 104,
		},
		AllocationSizeMin: 104,
		AllocationSizeMax: 104,
		FreeBlockSizeMin:  math.MaxUint,
		FreeBlockSizeMax:  0,
	}, stats)

	payload := md.Payload(block)
	require.Len(t, payload, 104)
	require.Equal(t, 104, cap(payload))

	err = md.Free(block)
	require.NoError(t, err)
	require.NoError(t, md.Validate())
	require.True(t, md.IsFullyFree())
	require.True(t, md.IsEmpty())

	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapBytes:       h + 104,
			HeaderBytes:     h,
			BlockCount:      1,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		FreeBlockCount:    1,
		AllocationSizeMin: math.MaxUint,
		AllocationSizeMax: 0,
		FreeBlockSizeMin:  104,
		FreeBlockSizeMax:  104,
	}, stats)

	require.Equal(t, []region{
		{offset: h, size: 104, tag: metadata.TagReleased, free: true},
	}, collectRegions(t, md))
}

func TestFreeListZeroSize(t *testing.T) {
	md, arena := newFreeList(t, 4096)

	_, err := md.CreateAllocationRequest(0)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))
	require.Len(t, arena.Bytes(), 0)
	require.Equal(t, metadata.NoBlock, md.Head())
}

func TestFreeListSuccessiveGrowth(t *testing.T) {
	h := metadata.HeaderSize
	md, _ := newFreeList(t, 4096)

	a := alloc(t, md, 2)
	b := alloc(t, md, 1)
	c := alloc(t, md, 17)

	require.Equal(t, metadata.BlockHandle(0), a)
	require.Equal(t, metadata.BlockHandle(h+8), b)
	require.Equal(t, metadata.BlockHandle(2*h+16), c)

	require.Equal(t, []region{
		{offset: h, size: 8, tag: metadata.TagAllocated},
		{offset: 2*h + 8, size: 8, tag: metadata.TagAllocated},
		{offset: 3*h + 16, size: 24, tag: metadata.TagAllocated},
	}, collectRegions(t, md))
	require.Equal(t, 3, md.AllocationCount())
}

func TestFreeListReuseFirstFit(t *testing.T) {
	md, arena := newFreeList(t, 4096)

	a := alloc(t, md, 2)
	b := alloc(t, md, 1)
	heapSize := len(arena.Bytes())

	require.NoError(t, md.Free(a))

	req, err := md.CreateAllocationRequest(2)
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationRequestReuse, req.Type)
	require.Equal(t, a, req.Block)
	require.Equal(t, uintptr(8), req.Size)

	c, err := md.Alloc(req)
	require.NoError(t, err)
	require.NoError(t, md.Validate())
	require.Equal(t, a, c)
	require.Less(t, uintptr(c), uintptr(b))
	require.Len(t, arena.Bytes(), heapSize)
}

func TestFreeListSplit(t *testing.T) {
	h := metadata.HeaderSize
	md, arena := newFreeList(t, 4096)

	x := alloc(t, md, 34)
	w := alloc(t, md, 2)
	heapSize := len(arena.Bytes())

	require.NoError(t, md.Free(x))

	y := alloc(t, md, 2)
	require.Equal(t, x, y)

	require.Equal(t, []region{
		{offset: h, size: 8, tag: metadata.TagAllocated},
		{offset: 2*h + 8, size: 40 - 8 - h, tag: metadata.TagSplit, free: true},
		{offset: uintptr(w) + h, size: 8, tag: metadata.TagAllocated},
	}, collectRegions(t, md))

	z := alloc(t, md, 2)
	require.Equal(t, metadata.BlockHandle(uintptr(y)+h+8), z)
	require.Less(t, uintptr(z), uintptr(w))
	require.Len(t, arena.Bytes(), heapSize)

	// The split-off block ends exactly where w begins
	regions := collectRegions(t, md)
	require.Len(t, regions, 3)
	require.Equal(t, uintptr(w), regions[1].offset+regions[1].size)
}

func TestFreeListNoSplitWithoutRoomForHeader(t *testing.T) {
	h := metadata.HeaderSize
	md, _ := newFreeList(t, 4096)

	// Exactly one header's worth of slack is not enough to split
	x := alloc(t, md, h+8)
	_ = alloc(t, md, 8)
	require.NoError(t, md.Free(x))

	y := alloc(t, md, 8)
	require.Equal(t, x, y)

	size, err := md.AllocationSize(y)
	require.NoError(t, err)
	require.Equal(t, h+8, size)
	require.Equal(t, 0, freeRegionCount(t, md))
}

func TestFreeListCoalesce(t *testing.T) {
	h := metadata.HeaderSize
	md, arena := newFreeList(t, 4096)

	a := alloc(t, md, 16)
	b := alloc(t, md, 16)
	c := alloc(t, md, 16)
	barrier := alloc(t, md, 16)
	heapSize := len(arena.Bytes())

	require.NoError(t, md.Free(a))
	require.NoError(t, md.Free(b))
	require.NoError(t, md.Free(c))
	require.Equal(t, 3, freeRegionCount(t, md))
	require.Equal(t, uintptr(48), freeBytes(md))

	req, err := md.CreateAllocationRequest(48 + 2*h)
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationRequestReuse, req.Type)
	require.Equal(t, a, req.Block)
	require.Equal(t, 48+2*h, req.Size)

	// The search already folded the run, even before the request is committed
	require.Equal(t, 1, freeRegionCount(t, md))
	require.Equal(t, []region{
		{offset: h, size: 48 + 2*h, tag: metadata.TagCoalesced, free: true},
		{offset: uintptr(barrier) + h, size: 16, tag: metadata.TagAllocated},
	}, collectRegions(t, md))
	require.NoError(t, md.Validate())

	block, err := md.Alloc(req)
	require.NoError(t, err)
	require.Equal(t, a, block)
	require.Len(t, arena.Bytes(), heapSize)
	require.NoError(t, md.Validate())
}

func TestFreeListCoalesceStopsAtFirstFit(t *testing.T) {
	h := metadata.HeaderSize
	md, _ := newFreeList(t, 4096)

	a := alloc(t, md, 8)
	b := alloc(t, md, 8)
	c := alloc(t, md, 8)
	_ = alloc(t, md, 8)

	require.NoError(t, md.Free(a))
	require.NoError(t, md.Free(b))
	require.NoError(t, md.Free(c))

	// a and b together hold 16+h bytes, so c is left alone
	req, err := md.CreateAllocationRequest(16)
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationRequestReuse, req.Type)
	require.Equal(t, a, req.Block)
	require.Equal(t, 16+h, req.Size)
	require.Equal(t, 2, freeRegionCount(t, md))

	block, err := md.Alloc(req)
	require.NoError(t, err)
	require.NoError(t, md.Validate())
	require.Equal(t, a, block)

	size, err := md.AllocationSize(block)
	require.NoError(t, err)
	require.Equal(t, 16+h, size)
}

func TestFreeListGrowFreeTail(t *testing.T) {
	h := metadata.HeaderSize
	md, arena := newFreeList(t, 4096)

	_ = alloc(t, md, 16)
	b := alloc(t, md, 16)
	c := alloc(t, md, 16)
	require.NoError(t, md.Free(b))
	require.NoError(t, md.Free(c))
	heapSize := uintptr(len(arena.Bytes()))

	req, err := md.CreateAllocationRequest(100)
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationRequestGrow, req.Type)
	require.Equal(t, b, req.Block)
	require.Equal(t, 32+h, req.Size)

	// The tail run is not merged until growth succeeds
	require.Equal(t, 2, freeRegionCount(t, md))

	block, err := md.Alloc(req)
	require.NoError(t, err)
	require.NoError(t, md.Validate())
	require.Equal(t, b, block)

	size, err := md.AllocationSize(block)
	require.NoError(t, err)
	require.Equal(t, uintptr(104), size)
	require.Equal(t, heapSize+memutils.AlignUp(100-(32+h), memutils.Alignment), uintptr(len(arena.Bytes())))
	require.Equal(t, 0, freeRegionCount(t, md))
}

func TestFreeListGrowAllocatedTail(t *testing.T) {
	h := metadata.HeaderSize
	md, arena := newFreeList(t, 4096)

	a := alloc(t, md, 8)
	b := alloc(t, md, 8)
	require.NoError(t, md.Free(a))

	req, err := md.CreateAllocationRequest(64)
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationRequest{
		Type:      metadata.AllocationRequestGrow,
		Block:     b,
		Size:      0,
		AllocSize: 64,
	}, req)

	c, err := md.Alloc(req)
	require.NoError(t, err)
	require.NoError(t, md.Validate())
	require.Equal(t, metadata.BlockHandle(uintptr(b)+h+8), c)
	require.Greater(t, uintptr(c), uintptr(b))
	require.Len(t, arena.Bytes(), int(uintptr(c)+h+64))
}

func TestFreeListExhaustionLeavesHeapUnchanged(t *testing.T) {
	h := metadata.HeaderSize
	md, arena := newFreeList(t, int(3*h+48))

	a := alloc(t, md, 16)
	b := alloc(t, md, 16)
	require.NoError(t, md.Free(b))

	before := collectRegions(t, md)
	heapSize := len(arena.Bytes())

	req, err := md.CreateAllocationRequest(256)
	require.NoError(t, err)
	require.Equal(t, metadata.AllocationRequestGrow, req.Type)

	_, err = md.Alloc(req)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ExhaustionError))

	require.Equal(t, before, collectRegions(t, md))
	require.Len(t, arena.Bytes(), heapSize)
	require.Equal(t, 1, md.AllocationCount())
	require.NoError(t, md.Validate())

	// Space that is still available is still handed out
	c := alloc(t, md, 16)
	require.Equal(t, b, c)
	require.NotEqual(t, a, c)
}

func TestFreeListExhaustionFromSource(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	arena, err := brk.NewArena(4096)
	require.NoError(t, err)

	source := mocks.NewMockSource(ctrl)
	source.EXPECT().Bytes().DoAndReturn(arena.Bytes).AnyTimes()
	gomock.InOrder(
		source.EXPECT().Sbrk(metadata.HeaderSize+32).DoAndReturn(arena.Sbrk),
		source.EXPECT().Sbrk(metadata.HeaderSize+64).Return(uintptr(0), errors.Wrap(memutils.ExhaustionError, "out of address space")),
	)

	md := metadata.NewFreeListMetadata()
	md.Init(source)

	first := alloc(t, md, 32)

	req, err := md.CreateAllocationRequest(64)
	require.NoError(t, err)

	block, err := md.Alloc(req)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ExhaustionError))
	require.Equal(t, metadata.NoBlock, block)

	require.NoError(t, md.Validate())
	require.Equal(t, first, md.Head())
	require.Equal(t, 1, md.AllocationCount())
}

func TestFreeListHugeAllocation(t *testing.T) {
	md, arena := newFreeList(t, 4096)
	_ = alloc(t, md, 8)

	req, err := md.CreateAllocationRequest(metadata.MaxAllocationSize + 1)
	require.NoError(t, err)

	_, err = md.Alloc(req)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ExhaustionError))
	require.Len(t, arena.Bytes(), int(metadata.HeaderSize+8))
}

func TestFreeListHugeAllocationAfterFreeTail(t *testing.T) {
	md, arena := newFreeList(t, 4096)
	_ = alloc(t, md, 8)
	tail := alloc(t, md, 16)
	require.NoError(t, md.Free(tail))
	heapSize := len(arena.Bytes())

	for _, size := range []uintptr{^uintptr(0), ^uintptr(0) - 8, metadata.MaxAllocationSize + 1} {
		req, err := md.CreateAllocationRequest(size)
		require.NoError(t, err)
		require.Equal(t, metadata.AllocationRequestGrow, req.Type)
		require.Equal(t, tail, req.Block)
		require.Equal(t, uintptr(16), req.Size)

		_, err = md.Alloc(req)
		require.True(t, errors.Is(err, memutils.ExhaustionError), "size %d: %v", size, err)
		require.Len(t, arena.Bytes(), heapSize)
		require.NoError(t, md.Validate())
	}

	require.Equal(t, []region{
		{offset: metadata.HeaderSize, size: 8, tag: metadata.TagAllocated, free: false},
		{offset: 2*metadata.HeaderSize + 8, size: 16, tag: metadata.TagReleased, free: true},
	}, collectRegions(t, md))
}

func TestFreeListBrokenLinkIsNotFullyFree(t *testing.T) {
	md, arena := newFreeList(t, 4096)
	a := alloc(t, md, 16)
	b := alloc(t, md, 16)
	require.NoError(t, md.Free(b))
	require.False(t, md.IsFullyFree())

	require.NoError(t, md.Free(a))
	require.True(t, md.IsFullyFree())

	// Point a's next link back at itself
	heap := arena.Bytes()
	next := heap[uintptr(a)+unsafe.Sizeof(uintptr(0)) : uintptr(a)+2*unsafe.Sizeof(uintptr(0))]
	for i := range next {
		next[i] = 0
	}
	require.Equal(t, metadata.BlockHandle(0), a)

	require.False(t, md.IsFullyFree())
	require.True(t, errors.Is(md.Validate(), memutils.CorruptionError))
}

func TestFreeListDetectsCorruptedHeader(t *testing.T) {
	h := metadata.HeaderSize
	md, arena := newFreeList(t, 4096)

	_ = alloc(t, md, 16)
	b := alloc(t, md, 16)
	require.NoError(t, md.VerifyAllocation(b))

	// Overwrite the tag at the end of b's header, as an overflow from the previous payload would
	heap := arena.Bytes()
	for i := uintptr(b) + h - 4; i < uintptr(b)+h; i++ {
		heap[i] = 0xAA
	}

	err := md.VerifyAllocation(b)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.CorruptionError))

	err = md.CheckCorruption()
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.CorruptionError))

	err = md.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.CorruptionError))

	err = md.Free(b)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.CorruptionError))
	require.Equal(t, 2, md.AllocationCount())
}

func TestFreeListVerifyOutOfBounds(t *testing.T) {
	md, _ := newFreeList(t, 4096)
	_ = alloc(t, md, 16)

	err := md.VerifyAllocation(metadata.BlockHandle(4000))
	require.True(t, errors.Is(err, memutils.CorruptionError))

	err = md.VerifyAllocation(metadata.BlockHandle(3))
	require.True(t, errors.Is(err, memutils.CorruptionError))

	err = md.VerifyAllocation(metadata.NoBlock)
	require.True(t, errors.Is(err, memutils.CorruptionError))
}

func TestFreeListStaleRequest(t *testing.T) {
	md, _ := newFreeList(t, 4096)

	a := alloc(t, md, 16)
	_ = alloc(t, md, 16)
	require.NoError(t, md.Free(a))

	req, err := md.CreateAllocationRequest(16)
	require.NoError(t, err)

	_, err = md.Alloc(req)
	require.NoError(t, err)

	// The same request cannot be committed twice
	_, err = md.Alloc(req)
	require.Error(t, err)
	require.NoError(t, md.Validate())
}

func TestFreeListReinstate(t *testing.T) {
	md, _ := newFreeList(t, 4096)

	a := alloc(t, md, 16)
	require.NoError(t, md.Free(a))
	require.True(t, md.IsFullyFree())

	require.NoError(t, md.Reinstate(a))
	require.False(t, md.IsFullyFree())
	require.Equal(t, 1, md.AllocationCount())
	require.NoError(t, md.VerifyAllocation(a))
	require.NoError(t, md.Validate())

	require.Error(t, md.Reinstate(a))
}

func TestFreeListClear(t *testing.T) {
	h := metadata.HeaderSize
	md, arena := newFreeList(t, 4096)

	_ = alloc(t, md, 16)
	_ = alloc(t, md, 40)
	_ = alloc(t, md, 8)

	md.Clear()
	require.NoError(t, md.Validate())
	require.True(t, md.IsEmpty())
	require.True(t, md.IsFullyFree())
	require.Equal(t, []region{
		{offset: h, size: uintptr(len(arena.Bytes())) - h, tag: metadata.TagReleased, free: true},
	}, collectRegions(t, md))

	// The cleared heap is reused without growing
	heapSize := len(arena.Bytes())
	block := alloc(t, md, 64)
	require.Equal(t, metadata.BlockHandle(0), block)
	require.Len(t, arena.Bytes(), heapSize)
}

func TestFreeListBlockJsonData(t *testing.T) {
	h := metadata.HeaderSize
	md, _ := newFreeList(t, 4096)

	a := alloc(t, md, 16)
	_ = alloc(t, md, 32)
	require.NoError(t, md.Free(a))

	writer := jwriter.NewWriter()
	obj := writer.Object()
	md.BlockJsonData(obj)
	obj.End()
	require.NoError(t, writer.Error())

	var data map[string]int
	require.NoError(t, json.Unmarshal(writer.Bytes(), &data))
	require.Equal(t, map[string]int{
		"TotalBytes":  int(2*h + 48),
		"UnusedBytes": 16,
		"Allocations": 1,
		"FreeBlocks":  1,
	}, data)
}

func TestFreeListDebugLogAllAllocations(t *testing.T) {
	h := metadata.HeaderSize
	md, _ := newFreeList(t, 4096)

	a := alloc(t, md, 16)
	_ = alloc(t, md, 32)
	require.NoError(t, md.Free(a))

	var offsets, sizes []uintptr
	md.DebugLogAllAllocations(nil, func(_ *slog.Logger, offset uintptr, size uintptr) {
		offsets = append(offsets, offset)
		sizes = append(sizes, size)
	})

	require.Equal(t, []uintptr{2*h + 16}, offsets)
	require.Equal(t, []uintptr{32}, sizes)
}
