// Package pcap writes libpcap capture files with nanosecond timestamps.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// LinkTypeEthernet is the DLT of frames carried by a virtio-net link.
const LinkTypeEthernet uint32 = 1

const (
	magicNanos   = 0xa1b23c4d
	versionMajor = 2
	versionMinor = 4

	fileHeaderSize   = 24
	recordHeaderSize = 16
)

// ErrClosed is returned by WritePacket after Close.
var ErrClosed = errors.New("pcap: writer closed")

// Writer emits one capture stream. It is safe for concurrent use; records
// are written whole.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	snapLen uint32
	closed  bool
	now     func() time.Time
}

// NewWriter writes the file header to w. Frames longer than snapLen are
// truncated in the capture.
func NewWriter(w io.Writer, snapLen, linkType uint32) (*Writer, error) {
	var hdr [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], magicNanos)
	binary.LittleEndian.PutUint16(hdr[4:], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:], versionMinor)
	binary.LittleEndian.PutUint32(hdr[16:], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:], linkType)
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return &Writer{w: w, snapLen: snapLen, now: time.Now}, nil
}

// WritePacket records data as seen now.
func (w *Writer) WritePacket(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	captured := data
	if w.snapLen != 0 && uint32(len(captured)) > w.snapLen {
		captured = captured[:w.snapLen]
	}
	ts := w.now()

	rec := make([]byte, recordHeaderSize+len(captured))
	binary.LittleEndian.PutUint32(rec[0:], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(rec[4:], uint32(ts.Nanosecond()))
	binary.LittleEndian.PutUint32(rec[8:], uint32(len(captured)))
	binary.LittleEndian.PutUint32(rec[12:], uint32(len(data)))
	copy(rec[recordHeaderSize:], captured)
	if _, err := w.w.Write(rec); err != nil {
		return fmt.Errorf("pcap: write record: %w", err)
	}
	return nil
}

// Close stops further writes and closes the underlying writer when it is
// an io.Closer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
