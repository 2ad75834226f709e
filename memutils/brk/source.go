// Package brk provides the growable memory region a heap is carved from. A Source behaves like the
// classic program break: it hands out one contiguous region that can only grow at its upper end.
package brk

//go:generate mockgen -source source.go -destination mocks/source.go -package mocks

// Source is a contiguous, growable region of memory. Offsets are relative to the start of the region,
// and the start of the region is aligned to at least memutils.Alignment. The region never moves once
// bytes have been handed out, so slices returned from Bytes stay valid as the break advances.
type Source interface {
	// Sbrk advances the break by increment bytes and returns the offset of the previous break.
	// An increment of 0 returns the current break. If the region cannot grow by increment bytes,
	// the break is not moved and the error is marked with memutils.ExhaustionError.
	Sbrk(increment uintptr) (uintptr, error)
	// Bytes returns the region from offset 0 up to the current break.
	Bytes() []byte
}
