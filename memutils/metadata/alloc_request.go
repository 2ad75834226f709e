package metadata

// AllocationRequestType is an enum that indicates how an allocation will be satisfied.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestReuse indicates that a free run large enough for the allocation was found and
	// has already been coalesced into a single block
	AllocationRequestReuse AllocationRequestType = iota
	// AllocationRequestGrow indicates that no free run was large enough and the heap must be grown
	// to satisfy the allocation
	AllocationRequestGrow
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestReuse: "Reuse",
	AllocationRequestGrow:  "Grow",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where and how
// the metadata intends to place a new allocation. It can be committed with BlockMetadata.Alloc
type AllocationRequest struct {
	// Type identifies whether the allocation reuses a free block or grows the heap
	Type AllocationRequestType
	// Block is the candidate block. For AllocationRequestReuse it is the coalesced free block. For
	// AllocationRequestGrow it is the anchor of the free run at the tail of the heap, or the last block
	// if the tail is allocated, or NoBlock if the heap has not been seeded yet
	Block BlockHandle
	// Size is the payload size of Block after coalescing. For AllocationRequestGrow it is the number of
	// free bytes at the tail of the heap that growth will top up, which may be 0
	Size uintptr
	// AllocSize is the size in bytes that was passed to CreateAllocationRequest
	AllocSize uintptr
}
