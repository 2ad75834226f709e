package brk

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/halloc/memutils"
)

// Arena is a Source backed by a single Go slice whose capacity is fixed when the Arena is created.
// It is available on every platform and is what NewMmap falls back to where mmap is not available.
type Arena struct {
	buf []byte
}

var _ Source = &Arena{}

// NewArena creates an Arena that can grow to at most limit bytes
func NewArena(limit int) (*Arena, error) {
	if limit < 0 {
		return nil, errors.Newf("arena limit must not be negative, but was %d", limit)
	}

	// A []uint64 backing array guarantees the region starts 8-byte aligned
	words := make([]uint64, (limit+7)/8)
	arena := &Arena{}
	if len(words) > 0 {
		arena.buf = unsafeBytes(words)[:0:limit]
	}

	return arena, nil
}

func (a *Arena) Sbrk(increment uintptr) (uintptr, error) {
	prev := uintptr(len(a.buf))
	if increment > uintptr(cap(a.buf))-prev {
		return 0, errors.Wrapf(memutils.ExhaustionError, "arena break is at %d of %d bytes and cannot grow by %d", prev, cap(a.buf), increment)
	}

	a.buf = a.buf[:prev+increment]
	return prev, nil
}

func (a *Arena) Bytes() []byte {
	return a.buf
}

// Limit returns the most bytes this Arena can hand out
func (a *Arena) Limit() int {
	return cap(a.buf)
}
