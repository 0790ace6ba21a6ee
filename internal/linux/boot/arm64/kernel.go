// Package arm64 places an AArch64 Linux Image, its initrd and a generated
// device tree into guest RAM and programs the boot vCPU to enter it.
package arm64

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/ccvmm/internal/timeslice"
)

const (
	// Layout of the 64 byte Image header from
	// Documentation/arch/arm64/booting.rst.
	headerSize    = 64
	imageMagic    = 0x644d5241 // "ARM\x64"
	offText       = 8
	offSize       = 16
	offFlags      = 24
	offMagic      = 56
	flagBigEndian = 1 << 0

	// The Image is placed text_offset bytes above a 2MiB aligned base.
	imageAlignment = 2 << 20

	// Compressed kernels may carry a decompression stub before the gzip
	// stream; only this much of the file is searched for it.
	maxStubScan = 1 << 20
)

var (
	ErrNotImage  = errors.New("arm64: not an arm64 Image")
	ErrBigEndian = errors.New("arm64: big-endian kernels are not supported")
)

var (
	sliceProbe   = timeslice.Register("boot-probe-kernel", 0)
	sliceExtract = timeslice.Register("boot-extract-kernel", 0)
)

// Header is the part of the Image header the loader needs.
type Header struct {
	TextOffset uint64
	// ImageSize is the effective size including bss; zero on kernels older
	// than 3.17.
	ImageSize uint64
	Flags     uint64
}

func parseHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, fmt.Errorf("%w: header truncated to %d bytes", ErrNotImage, len(b))
	}
	if m := binary.LittleEndian.Uint32(b[offMagic:]); m != imageMagic {
		return Header{}, fmt.Errorf("%w: magic %#x", ErrNotImage, m)
	}
	h := Header{
		TextOffset: binary.LittleEndian.Uint64(b[offText:]),
		ImageSize:  binary.LittleEndian.Uint64(b[offSize:]),
		Flags:      binary.LittleEndian.Uint64(b[offFlags:]),
	}
	if h.Flags&flagBigEndian != 0 {
		return Header{}, ErrBigEndian
	}
	if h.ImageSize == 0 {
		// Pre-3.17 kernels: text_offset is only meaningful with a size.
		h.TextOffset = 0x80000
	}
	return h, nil
}

// EntryPoint is where the boot vCPU starts when the Image is based at base.
func (h Header) EntryPoint(base uint64) (uint64, error) {
	if base%imageAlignment != 0 {
		return 0, fmt.Errorf("arm64: kernel base %#x is not 2MiB aligned", base)
	}
	return base + h.TextOffset, nil
}

// Kernel is a decompressed Image ready to be copied into guest RAM.
type Kernel struct {
	Header Header
	Image  []byte
	// Compressed is set when Image was inflated from a gzip stream.
	Compressed bool
}

// Footprint is the guest RAM the kernel occupies from its load address.
func (k *Kernel) Footprint() uint64 {
	return max(k.Header.ImageSize, uint64(len(k.Image)))
}

// LoadKernel reads a raw or gzip compressed Image.
func LoadKernel(r io.ReaderAt, size int64) (*Kernel, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arm64: kernel size must be positive (got %d)", size)
	}
	rec := timeslice.NewRecorder()

	head := make([]byte, min(size, maxStubScan))
	n, err := r.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("arm64: read kernel: %w", err)
	}
	head = head[:n]

	if h, err := parseHeader(head); err == nil {
		rec.Record(sliceProbe)
		img := make([]byte, size)
		if _, err := r.ReadAt(img, 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("arm64: read kernel: %w", err)
		}
		rec.Record(sliceExtract)
		return &Kernel{Header: h, Image: img}, nil
	} else if !errors.Is(err, ErrNotImage) {
		return nil, err
	}

	off := bytes.Index(head, []byte{0x1f, 0x8b, 0x08})
	if off < 0 {
		return nil, fmt.Errorf("%w: no header and no gzip stream in the first %d bytes", ErrNotImage, len(head))
	}
	rec.Record(sliceProbe)

	gz, err := gzip.NewReader(io.NewSectionReader(r, int64(off), size-int64(off)))
	if err != nil {
		return nil, fmt.Errorf("arm64: open gzip stream at %d: %w", off, err)
	}
	defer gz.Close()
	// A stub may be followed by trailing data the gzip reader would try to
	// parse as another member.
	gz.Multistream(false)
	img, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("arm64: decompress kernel: %w", err)
	}
	h, err := parseHeader(img)
	if err != nil {
		return nil, err
	}
	rec.Record(sliceExtract)
	return &Kernel{Header: h, Image: img, Compressed: true}, nil
}

// OpenKernel loads the Image at path.
func OpenKernel(path string) (*Kernel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("arm64: open kernel: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("arm64: stat kernel: %w", err)
	}
	return LoadKernel(f, info.Size())
}
