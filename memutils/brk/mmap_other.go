//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package brk

// Mmap falls back to an Arena on platforms without mmap and mprotect
type Mmap struct {
	*Arena
}

var _ Source = &Mmap{}

// NewMmap creates an Arena-backed Source that can grow to at most limit bytes
func NewMmap(limit int) (*Mmap, error) {
	arena, err := NewArena(limit)
	if err != nil {
		return nil, err
	}

	return &Mmap{Arena: arena}, nil
}

func (m *Mmap) Close() error {
	return nil
}
