package virtio

import (
	"fmt"
	"io"
)

// Descriptor is one guest buffer of a chain.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Writable reports whether the device may write into the buffer.
func (d Descriptor) Writable() bool { return d.Flags&descFWrite != 0 }

// Chain is one request: its device-readable buffers followed by its
// device-writable buffers.
type Chain struct {
	Head  uint16
	Descs []Descriptor

	mem           Memory
	firstWritable int
}

func (c *Chain) Readable() []Descriptor { return c.Descs[:c.firstWritable] }

func (c *Chain) Writable() []Descriptor { return c.Descs[c.firstWritable:] }

func sumLen(ds []Descriptor) uint64 {
	var n uint64
	for _, d := range ds {
		n += uint64(d.Len)
	}
	return n
}

func (c *Chain) ReadableLen() uint64 { return sumLen(c.Readable()) }

func (c *Chain) WritableLen() uint64 { return sumLen(c.Writable()) }

// Reader returns a reader over the readable buffers.
func (c *Chain) Reader() *ChainReader {
	return &ChainReader{mem: c.mem, descs: c.Readable()}
}

// Writer returns a writer over the writable buffers.
func (c *Chain) Writer() *ChainWriter {
	return &ChainWriter{mem: c.mem, descs: c.Writable()}
}

// ChainReader reads the device-readable part of a chain in order.
type ChainReader struct {
	mem   Memory
	descs []Descriptor
	off   uint32
}

func (r *ChainReader) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 && len(r.descs) > 0 {
		d := r.descs[0]
		n := min(uint32(len(p)), d.Len-r.off)
		if n > 0 {
			if _, err := r.mem.ReadAt(p[:n], int64(d.Addr+uint64(r.off))); err != nil {
				return total, fmt.Errorf("virtio: read buffer %#x: %w", d.Addr, err)
			}
		}
		total += int(n)
		p = p[n:]
		r.off += n
		if r.off == d.Len {
			r.descs = r.descs[1:]
			r.off = 0
		}
	}
	if total == 0 && len(r.descs) == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Remaining is the number of bytes not yet read.
func (r *ChainReader) Remaining() uint64 { return sumLen(r.descs) - uint64(r.off) }

// ChainWriter fills the device-writable part of a chain in order.
type ChainWriter struct {
	mem     Memory
	descs   []Descriptor
	off     uint32
	written uint32
}

// Write copies p into the chain. It returns io.ErrShortWrite when the chain
// runs out of space.
func (w *ChainWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 && len(w.descs) > 0 {
		d := w.descs[0]
		n := min(uint32(len(p)), d.Len-w.off)
		if n > 0 {
			if _, err := w.mem.WriteAt(p[:n], int64(d.Addr+uint64(w.off))); err != nil {
				return total, fmt.Errorf("virtio: write buffer %#x: %w", d.Addr, err)
			}
		}
		total += int(n)
		w.written += n
		p = p[n:]
		w.off += n
		if w.off == d.Len {
			w.descs = w.descs[1:]
			w.off = 0
		}
	}
	if len(p) > 0 {
		return total, io.ErrShortWrite
	}
	return total, nil
}

// Written is the number of bytes written so far, the length reported in
// the used ring.
func (w *ChainWriter) Written() uint32 { return w.written }

// Remaining is the writable space left.
func (w *ChainWriter) Remaining() uint64 { return sumLen(w.descs) - uint64(w.off) }
