package metadata

import (
	"fmt"
	"unsafe"
)

// BlockHandle identifies a block by the offset of its header within the heap region
type BlockHandle uintptr

const (
	NoBlock BlockHandle = ^BlockHandle(0)
)

// Tag is the diagnostic marker stamped into every block header. Tags record how a block reached its
// current state and let the allocator tell a live header apart from bytes a caller scribbled over.
type Tag uint32

const (
	// TagExtended marks a block appended at the tail of the heap by growing the break
	TagExtended Tag = 0x12345678
	// TagCoalesced marks the anchor of a free run that absorbed its neighbors
	TagCoalesced Tag = 0x12344321
	// TagSplit marks a free block carved from the tail of a larger block
	TagSplit Tag = 0x55555555
	// TagAllocated marks a block currently handed out to a caller
	TagAllocated Tag = 0x77777777
	// TagReleased marks a block returned by a caller and not yet reused
	TagReleased Tag = 0xffffffff
)

var tagMapping = map[Tag]string{
	TagExtended:  "Extended",
	TagCoalesced: "Coalesced",
	TagSplit:     "Split",
	TagAllocated: "Allocated",
	TagReleased:  "Released",
}

func (t Tag) String() string {
	str, ok := tagMapping[t]
	if !ok {
		return fmt.Sprintf("Unknown(%#08x)", uint32(t))
	}
	return str
}

// IsKnown returns true if the tag is one the allocator writes
func (t Tag) IsKnown() bool {
	_, ok := tagMapping[t]
	return ok
}

// blockHeader is stored in-band, directly before the payload it describes
type blockHeader struct {
	size uintptr
	next BlockHandle
	free uint32
	tag  Tag
}

// HeaderSize is the number of bytes each block header occupies in the heap
const HeaderSize = uintptr(unsafe.Sizeof(blockHeader{}))

func (h *blockHeader) IsFree() bool {
	return h.free != 0
}

func (h *blockHeader) MarkFree(tag Tag) {
	h.free = 1
	h.tag = tag
}

func (h *blockHeader) MarkTaken() {
	h.free = 0
	h.tag = TagAllocated
}
