package hv

import (
	"fmt"
	"io"
)

// GuestMemory is the host view of guest RAM: a contiguous host mapping that
// backs guest physical addresses [Base, Base+len(Data)).
type GuestMemory struct {
	Base uint64
	Data []byte
}

// Size returns the number of bytes of guest RAM.
func (m *GuestMemory) Size() uint64 { return uint64(len(m.Data)) }

// Contains reports whether [gpa, gpa+length) lies inside guest RAM.
func (m *GuestMemory) Contains(gpa, length uint64) bool {
	if gpa < m.Base {
		return false
	}
	off := gpa - m.Base
	return off <= m.Size() && length <= m.Size()-off
}

// Slice returns the host bytes backing [gpa, gpa+length).
func (m *GuestMemory) Slice(gpa, length uint64) ([]byte, error) {
	if !m.Contains(gpa, length) {
		return nil, fmt.Errorf("hv: guest range [0x%x-0x%x) outside memory [0x%x-0x%x)",
			gpa, gpa+length, m.Base, m.Base+m.Size())
	}
	off := gpa - m.Base
	return m.Data[off : off+length : off+length], nil
}

// ReadAt reads guest physical memory; off is a guest physical address.
func (m *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// WriteAt writes guest physical memory; off is a guest physical address.
func (m *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

var (
	_ io.ReaderAt = &GuestMemory{}
	_ io.WriterAt = &GuestMemory{}
)
