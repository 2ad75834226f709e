//go:build linux || darwin || freebsd || netbsd || openbsd

package brk

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/halloc/memutils"
	"golang.org/x/sys/unix"
)

// Mmap is a Source backed by an anonymous private mapping. The full limit is reserved up front with no
// access rights, and pages are made readable and writable as the break moves over them.
type Mmap struct {
	region    []byte
	brk       uintptr
	committed uintptr
	pageSize  uintptr
}

var _ Source = &Mmap{}

// NewMmap reserves limit bytes of address space, rounded up to the page size
func NewMmap(limit int) (*Mmap, error) {
	if limit <= 0 {
		return nil, errors.Newf("mmap limit must be positive, but was %d", limit)
	}

	pageSize := unix.Getpagesize()
	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, err
	}

	size := memutils.AlignUp(uintptr(limit), uintptr(pageSize))
	region, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes for the heap", size)
	}

	return &Mmap{
		region:   region,
		pageSize: uintptr(pageSize),
	}, nil
}

func (m *Mmap) Sbrk(increment uintptr) (uintptr, error) {
	prev := m.brk
	if increment > uintptr(len(m.region))-prev {
		return 0, errors.Wrapf(memutils.ExhaustionError, "mapped break is at %d of %d bytes and cannot grow by %d", prev, len(m.region), increment)
	}

	end := prev + increment
	if end > m.committed {
		commitEnd := memutils.AlignUp(end, m.pageSize)
		err := unix.Mprotect(m.region[m.committed:commitEnd], unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return 0, errors.Mark(errors.Wrapf(err, "failed to commit heap pages [%d, %d)", m.committed, commitEnd), memutils.ExhaustionError)
		}
		m.committed = commitEnd
	}

	m.brk = end
	return prev, nil
}

func (m *Mmap) Bytes() []byte {
	return m.region[:m.brk]
}

// Limit returns the most bytes this Mmap can hand out
func (m *Mmap) Limit() int {
	return len(m.region)
}

// Close unmaps the region. Any slices previously returned from Bytes must not be used afterward.
func (m *Mmap) Close() error {
	if m.region == nil {
		return nil
	}

	err := unix.Munmap(m.region)
	m.region = nil
	m.brk = 0
	m.committed = 0
	return err
}
