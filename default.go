package halloc

import (
	"sync"
)

var (
	defaultOnce      sync.Once
	defaultAllocator *Allocator
	defaultErr       error
)

// Default returns the process-wide allocator behind Malloc, Free, Calloc, Realloc and HeapIsClear.
// It is created on first use with a heap of up to 1Gb.
func Default() (*Allocator, error) {
	defaultOnce.Do(func() {
		defaultAllocator, defaultErr = New(nil, CreateOptions{})
	})

	return defaultAllocator, defaultErr
}

// Malloc allocates size bytes from the default allocator. It returns Null if size is 0 or the heap
// is exhausted.
func Malloc(size uintptr) Ptr {
	allocator, err := Default()
	if err != nil {
		return Null
	}

	ptr, _ := allocator.Allocate(size)
	return ptr
}

// Free releases an allocation made by Malloc, Calloc or Realloc. Freeing Null does nothing.
func Free(ptr Ptr) {
	allocator, err := Default()
	if err != nil {
		return
	}

	_ = allocator.Release(ptr)
}

// Calloc allocates count*size zeroed bytes from the default allocator
func Calloc(count, size uintptr) Ptr {
	allocator, err := Default()
	if err != nil {
		return Null
	}

	ptr, _ := allocator.ZeroedAllocate(count, size)
	return ptr
}

// Realloc resizes an allocation made by the default allocator. If it returns Null for a nonzero
// size, ptr is still valid.
func Realloc(ptr Ptr, size uintptr) Ptr {
	allocator, err := Default()
	if err != nil {
		return Null
	}

	newPtr, _ := allocator.Reallocate(ptr, size)
	return newPtr
}

// HeapIsClear reports whether every block in the default allocator's heap is free
func HeapIsClear() bool {
	allocator, err := Default()
	if err != nil {
		return false
	}

	return allocator.HeapIsFullyFree()
}

// Bytes returns the payload of an allocation made by the default allocator, or nil if ptr is not live
func Bytes(ptr Ptr) []byte {
	allocator, err := Default()
	if err != nil {
		return nil
	}

	payload, _ := allocator.Bytes(ptr)
	return payload
}
