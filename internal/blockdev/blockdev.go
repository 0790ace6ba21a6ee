// Package blockdev provides host files as block device backends.
package blockdev

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrPunchHoleUnsupported = errors.New("blockdev: punch hole not supported on this host")
	ErrReadOnly             = errors.New("blockdev: backend is read-only")
)

// Backend is the byte-addressable store behind a block device.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Flush() error
	// PunchHole deallocates [off, off+length) without changing the size.
	// Later reads of the range return zeros.
	PunchHole(off, length int64) error
	Size() int64
}

// File is a Backend over a regular host file.
type File struct {
	f        *os.File
	size     int64
	readOnly bool
}

var _ Backend = (*File)(nil)

// Open opens path as a block backend.
func Open(path string, readOnly bool) (*File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("blockdev: %s is not a regular file", path)
	}
	return &File{f: f, size: info.Size(), readOnly: readOnly}, nil
}

func (b *File) Name() string { return b.f.Name() }

func (b *File) ReadOnly() bool { return b.readOnly }

func (b *File) Size() int64 { return b.size }

func (b *File) ReadAt(p []byte, off int64) (int, error) {
	return b.f.ReadAt(p, off)
}

// WriteAt writes p at off. Writes past the current size are rejected so the
// guest cannot grow the image.
func (b *File) WriteAt(p []byte, off int64) (int, error) {
	if b.readOnly {
		return 0, ErrReadOnly
	}
	if off < 0 || off+int64(len(p)) > b.size {
		return 0, fmt.Errorf("blockdev: write [%d, %d) past end of %d byte image", off, off+int64(len(p)), b.size)
	}
	return b.f.WriteAt(p, off)
}

func (b *File) Flush() error {
	if b.readOnly {
		return nil
	}
	return b.f.Sync()
}

func (b *File) PunchHole(off, length int64) error {
	if b.readOnly {
		return ErrReadOnly
	}
	if length == 0 {
		return nil
	}
	if off < 0 || length < 0 || off+length > b.size {
		return fmt.Errorf("blockdev: punch hole [%d, %d) outside %d byte image", off, off+length, b.size)
	}
	return punchHole(b.f, off, length)
}

func (b *File) Close() error { return b.f.Close() }
