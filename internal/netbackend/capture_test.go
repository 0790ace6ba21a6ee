package netbackend

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type scriptedBackend struct {
	incoming [][]byte
	sent     [][]byte
	failSend bool
	closed   bool
}

func (b *scriptedBackend) ReadFrame(p []byte) (int, error) {
	if len(b.incoming) == 0 {
		return 0, ErrNothingRead
	}
	n := copy(p, b.incoming[0])
	b.incoming = b.incoming[1:]
	return n, nil
}

func (b *scriptedBackend) WriteFrame(p []byte) error {
	if b.failSend {
		return ErrNothingWritten
	}
	b.sent = append(b.sent, append([]byte(nil), p...))
	return nil
}

func (b *scriptedBackend) FD() int { return -1 }

func (b *scriptedBackend) Close() error {
	b.closed = true
	return nil
}

// capturedLengths walks the records of a capture file.
func capturedLengths(t *testing.T, data []byte) []int {
	t.Helper()
	if len(data) < 24 {
		t.Fatalf("capture is %d bytes", len(data))
	}
	var lens []int
	for rest := data[24:]; len(rest) > 0; {
		n := int(binary.LittleEndian.Uint32(rest[8:]))
		lens = append(lens, n)
		rest = rest[16+n:]
	}
	return lens
}

func TestCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.pcap")
	inner := &scriptedBackend{incoming: [][]byte{make([]byte, 60)}}
	c, err := NewCapture(inner, path)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, MaxFrame)
	if n, err := c.ReadFrame(buf); err != nil || n != 60 {
		t.Fatalf("ReadFrame = %d, %v", n, err)
	}
	if _, err := c.ReadFrame(buf); !errors.Is(err, ErrNothingRead) {
		t.Fatalf("ReadFrame on empty backend = %v", err)
	}
	if err := c.WriteFrame(make([]byte, 42)); err != nil {
		t.Fatal(err)
	}
	inner.failSend = true
	if err := c.WriteFrame(make([]byte, 99)); !errors.Is(err, ErrNothingWritten) {
		t.Fatalf("WriteFrame = %v", err)
	}

	if c.FD() != -1 {
		t.Fatal("FD not forwarded")
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !inner.closed {
		t.Fatal("backend not closed")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := capturedLengths(t, data)
	if len(got) != 2 || got[0] != 60 || got[1] != 42 {
		t.Fatalf("captured frame lengths = %v, want [60 42]", got)
	}
}
