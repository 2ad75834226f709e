package halloc

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/halloc/internal/utils"
	"github.com/vkngwrapper/halloc/memutils"
	"github.com/vkngwrapper/halloc/memutils/brk"
	"github.com/vkngwrapper/halloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Ptr identifies an allocation by the offset of its first payload byte within the heap. Use
// Allocator.Bytes to reach the memory behind it.
type Ptr uintptr

// Null is the Ptr returned when an allocation could not be made. No payload ever starts at offset 0,
// because every payload is preceded by its block header.
const Null Ptr = 0

func ptrFromBlock(block metadata.BlockHandle) Ptr {
	ptr := uintptr(block) + metadata.HeaderSize
	memutils.DebugCheckAligned(ptr, "payload offset")
	return Ptr(ptr)
}

func (p Ptr) block() metadata.BlockHandle {
	return metadata.BlockHandle(uintptr(p) - metadata.HeaderSize)
}

// Allocator hands out byte ranges from a single growable heap. Released memory is reused first-fit,
// and the heap only grows when no free run is large enough.
type Allocator struct {
	logger *slog.Logger

	createFlags CreateFlags
	source      brk.Source
	ownsSource  bool

	mutex    utils.OptionalRWMutex
	metadata metadata.BlockMetadata
	// live maps each outstanding Ptr to the size the caller asked for
	live    *swiss.Map[Ptr, uintptr]
	scratch []byte
}

// Allocate reserves at least size bytes and returns a Ptr to the first of them. The payload is 8-byte
// aligned and its contents are unspecified. A size of 0 returns Null and an error marked
// memutils.InvalidArgumentError. If the heap cannot grow, Null is returned with an error marked
// memutils.ExhaustionError and the heap is unchanged.
func (a *Allocator) Allocate(size uintptr) (Ptr, error) {
	a.logger.Debug("Allocator::Allocate", slog.Uint64("Size", uint64(size)))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocate(size)
}

func (a *Allocator) allocate(size uintptr) (Ptr, error) {
	if size == 0 {
		return Null, errors.Wrap(memutils.InvalidArgumentError, "cannot allocate 0 bytes")
	}

	request, err := a.metadata.CreateAllocationRequest(size)
	if err != nil {
		return Null, err
	}

	block, err := a.metadata.Alloc(request)
	if err != nil {
		if errors.Is(err, memutils.ExhaustionError) {
			a.logger.Debug("    Allocation failed: heap could not grow",
				slog.Uint64("Size", uint64(size)),
				slog.Uint64("HeapBytes", uint64(a.metadata.Size())),
			)
		}
		return Null, err
	}

	if request.Type == metadata.AllocationRequestGrow {
		a.logger.Debug("    Grew heap",
			slog.Uint64("TailFreeBytes", uint64(request.Size)),
			slog.Uint64("HeapBytes", uint64(a.metadata.Size())),
		)
	}

	ptr := ptrFromBlock(block)
	a.live.Put(ptr, size)
	memutils.DebugValidate(a.metadata)

	return ptr, nil
}

// Release returns an allocation to the heap. Releasing Null does nothing. Releasing a Ptr that is not
// a live allocation, including one that was already released, returns an error marked
// memutils.InvalidArgumentError.
func (a *Allocator) Release(ptr Ptr) error {
	a.logger.Debug("Allocator::Release", slog.Uint64("Pointer", uint64(ptr)))

	if ptr == Null {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.release(ptr)
}

func (a *Allocator) release(ptr Ptr) error {
	block, err := a.lookup(ptr)
	if err != nil {
		return err
	}

	err = a.metadata.Free(block)
	if err != nil {
		return err
	}

	a.live.Delete(ptr)
	memutils.DebugValidate(a.metadata)

	return nil
}

// lookup maps a live Ptr to its block and confirms the block header still says it is allocated
func (a *Allocator) lookup(ptr Ptr) (metadata.BlockHandle, error) {
	_, isLive := a.live.Get(ptr)
	if !isLive {
		return metadata.NoBlock, errors.Wrapf(memutils.InvalidArgumentError, "pointer %#x is not a live allocation", uintptr(ptr))
	}

	block := ptr.block()
	err := a.metadata.VerifyAllocation(block)
	if err != nil {
		a.logger.Error("heap corruption detected",
			slog.Uint64("Pointer", uint64(ptr)),
			slog.Any("error", err),
		)
		return metadata.NoBlock, err
	}

	return block, nil
}

// ZeroedAllocate reserves room for count elements of size bytes each and zeroes every payload byte.
// If count*size overflows, Null is returned with an error marked memutils.InvalidArgumentError.
func (a *Allocator) ZeroedAllocate(count, size uintptr) (Ptr, error) {
	a.logger.Debug("Allocator::ZeroedAllocate",
		slog.Uint64("Count", uint64(count)),
		slog.Uint64("Size", uint64(size)),
	)

	hi, total := bits.Mul(uint(count), uint(size))
	if hi != 0 {
		return Null, errors.Wrapf(memutils.InvalidArgumentError, "%d elements of %d bytes overflows the address space", count, size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	ptr, err := a.allocate(uintptr(total))
	if err != nil {
		return Null, err
	}

	clear(a.metadata.Payload(ptr.block()))
	return ptr, nil
}

// Reallocate moves an allocation into a block of at least newSize bytes, preserving the first
// min(old size, newSize) bytes of its contents. Reallocating Null is the same as Allocate, and
// reallocating to 0 bytes releases ptr and returns Null. If the heap cannot grow, the original
// allocation is left in place with its contents intact and Null is returned with the error.
func (a *Allocator) Reallocate(ptr Ptr, newSize uintptr) (Ptr, error) {
	a.logger.Debug("Allocator::Reallocate",
		slog.Uint64("Pointer", uint64(ptr)),
		slog.Uint64("NewSize", uint64(newSize)),
	)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if ptr == Null {
		return a.allocate(newSize)
	}

	if newSize == 0 {
		return Null, a.release(ptr)
	}

	block, err := a.lookup(ptr)
	if err != nil {
		return Null, err
	}

	// The new block may overlap the old one, so the contents are staged outside the heap
	oldPayload := a.metadata.Payload(block)
	oldSize := uintptr(len(oldPayload))
	if uintptr(cap(a.scratch)) < oldSize {
		a.scratch = make([]byte, oldSize)
	}
	scratch := a.scratch[:oldSize]
	copy(scratch, oldPayload)

	requested, _ := a.live.Get(ptr)
	err = a.metadata.Free(block)
	if err != nil {
		return Null, err
	}
	a.live.Delete(ptr)

	newPtr, err := a.allocate(newSize)
	if err != nil {
		reinstateErr := a.metadata.Reinstate(block)
		if reinstateErr != nil {
			return Null, errors.CombineErrors(err, reinstateErr)
		}

		a.live.Put(ptr, requested)
		return Null, err
	}

	copyLen := min(oldSize, newSize)
	copy(a.metadata.Payload(newPtr.block())[:copyLen], scratch[:copyLen])

	return newPtr, nil
}

// HeapIsFullyFree reports whether every block in the heap is free. A heap that has never been
// allocated from is fully free.
func (a *Allocator) HeapIsFullyFree() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.metadata.IsFullyFree()
}

// Bytes returns the payload of a live allocation. The slice's length is the block's payload size,
// which may be larger than the size that was requested. It is only valid until the allocation is
// released or reallocated.
func (a *Allocator) Bytes(ptr Ptr) ([]byte, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	block, err := a.lookup(ptr)
	if err != nil {
		return nil, err
	}

	return a.metadata.Payload(block), nil
}

// Size returns the payload size of a live allocation
func (a *Allocator) Size(ptr Ptr) (uintptr, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	block, err := a.lookup(ptr)
	if err != nil {
		return 0, err
	}

	return a.metadata.AllocationSize(block)
}

// CheckCorruption walks every block header in the heap and confirms that each live allocation still
// carries the header the allocator wrote for it.
func (a *Allocator) CheckCorruption() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	err := a.metadata.CheckCorruption()
	if err != nil {
		a.logger.Error("heap corruption detected", slog.Any("error", err))
		return err
	}

	a.live.Iter(func(ptr Ptr, requested uintptr) bool {
		var size uintptr
		size, err = a.metadata.AllocationSize(ptr.block())
		if err == nil && size < requested {
			err = errors.Wrapf(memutils.CorruptionError, "allocation %#x holds %d bytes, fewer than the %d requested", uintptr(ptr), size, requested)
		}
		return err != nil
	})
	if err != nil {
		a.logger.Error("heap corruption detected", slog.Any("error", err))
	}

	return err
}

// Validate checks the structure of the whole heap: block links, sizes, alignment, and that the heap
// agrees with the allocator about how many allocations are live.
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	err := a.metadata.Validate()
	if err != nil {
		return err
	}

	if a.live.Count() != a.metadata.AllocationCount() {
		return errors.Newf("the allocator tracks %d live allocations, but the heap holds %d", a.live.Count(), a.metadata.AllocationCount())
	}

	return nil
}

// Clear forgets every allocation and folds the whole heap into a single free block. The heap does not
// shrink. Every outstanding Ptr becomes invalid.
func (a *Allocator) Clear() {
	a.logger.Debug("Allocator::Clear")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.metadata.Clear()
	a.live.Clear()
	memutils.DebugValidate(a.metadata)
}
