package virtio

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/ccvmm/internal/blockdev"
)

// memBackend is an in-memory block backend. size may exceed len(data) to
// model a file that shrank underneath the device.
type memBackend struct {
	mu       sync.Mutex
	data     []byte
	size     int64
	punchErr error
	flushes  int
	punched  [][2]int64
}

func newMemBackend(size int) *memBackend {
	return &memBackend{data: make([]byte, size), size: int64(size)}
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(m.data[off:], p), nil
}

func (m *memBackend) Flush() error {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
	return nil
}

func (m *memBackend) PunchHole(off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.punchErr != nil {
		return m.punchErr
	}
	clear(m.data[off : off+length])
	m.punched = append(m.punched, [2]int64{off, length})
	return nil
}

func (m *memBackend) Size() int64 { return m.size }

func blkHeader(typ uint32, sector uint64) []byte {
	h := make([]byte, blkHeaderSize)
	binary.LittleEndian.PutUint32(h[0:], typ)
	binary.LittleEndian.PutUint64(h[8:], sector)
	return h
}

func blkSegment(sector uint64, sectors, flags uint32) []byte {
	s := make([]byte, blkSegmentSize)
	binary.LittleEndian.PutUint64(s[0:], sector)
	binary.LittleEndian.PutUint32(s[8:], sectors)
	binary.LittleEndian.PutUint32(s[12:], flags)
	return s
}

type blkHarness struct {
	mem  *mockGuestMemory
	ring *testRing
	q    *Queue
	irq  *fakeSignaller
	dev  *Blk
}

func newBlkHarness(t *testing.T, backend BlockBackend, opts BlkOptions) *blkHarness {
	t.Helper()
	mem := newMockGuestMemory(testMemSize)
	ring := newTestRing(t, mem, false)
	return &blkHarness{
		mem:  mem,
		ring: ring,
		q:    ring.queue(),
		irq:  newFakeSignaller(),
		dev:  NewBlk(backend, opts),
	}
}

func (h *blkHarness) service(t *testing.T) {
	t.Helper()
	if err := h.dev.service(h.q, h.irq); err != nil {
		t.Fatalf("service: %v", err)
	}
}

// submit queues a request whose writable part is dataLen bytes of data
// followed by a separate status byte. It returns the data and status
// addresses.
func (h *blkHarness) submit(out []byte, dataLen uint32) (data, status uint64) {
	bufs := []testBuf{rbuf(out)}
	if dataLen > 0 {
		bufs = append(bufs, wbuf(dataLen))
	}
	bufs = append(bufs, wbuf(1))
	_, addrs := h.ring.addChain(bufs...)
	status = addrs[len(addrs)-1]
	if dataLen > 0 {
		data = addrs[1]
	}
	return data, status
}

func (h *blkHarness) statusAt(addr uint64) byte { return h.mem.bytes(addr, 1)[0] }

func TestBlkConfig(t *testing.T) {
	dev := NewBlk(newMemBackend(8*blkSectorSize), BlkOptions{ReadOnly: true})
	var capacity [8]byte
	dev.ReadConfig(0, capacity[:])
	if got := binary.LittleEndian.Uint64(capacity[:]); got != 8 {
		t.Fatalf("capacity = %d sectors, want 8", got)
	}
	var blkSize [4]byte
	dev.ReadConfig(20, blkSize[:])
	if got := binary.LittleEndian.Uint32(blkSize[:]); got != blkSectorSize {
		t.Fatalf("blk_size = %d, want %d", got, blkSectorSize)
	}
	if dev.Features()&VIRTIO_BLK_F_RO == 0 {
		t.Fatal("read-only device does not offer VIRTIO_BLK_F_RO")
	}

	past := []byte{0xff, 0xff}
	dev.ReadConfig(blkConfigSize+4, past)
	if past[0] != 0 || past[1] != 0 {
		t.Fatalf("config read past the end = %v, want zeros", past)
	}
}

// A read that runs past the data the backend actually holds fails that
// request alone.
func TestBlkShortReadFailsOnlyThatRequest(t *testing.T) {
	backend := newMemBackend(2 * blkSectorSize)
	backend.size = 8 * blkSectorSize
	copy(backend.data, bytes.Repeat([]byte{0xaa}, blkSectorSize))
	copy(backend.data[blkSectorSize:], bytes.Repeat([]byte{0xbb}, blkSectorSize))

	h := newBlkHarness(t, backend, BlkOptions{})
	d0, s0 := h.submit(blkHeader(VIRTIO_BLK_T_IN, 0), blkSectorSize)
	_, s1 := h.submit(blkHeader(VIRTIO_BLK_T_IN, 4), blkSectorSize)
	d2, s2 := h.submit(blkHeader(VIRTIO_BLK_T_IN, 1), blkSectorSize)
	h.service(t)

	if got := h.statusAt(s0); got != VIRTIO_BLK_S_OK {
		t.Errorf("first read status = %d, want OK", got)
	}
	if got := h.statusAt(s1); got != VIRTIO_BLK_S_IOERR {
		t.Errorf("short read status = %d, want IOERR", got)
	}
	if got := h.statusAt(s2); got != VIRTIO_BLK_S_OK {
		t.Errorf("third read status = %d, want OK", got)
	}
	if !bytes.Equal(h.mem.bytes(d0, blkSectorSize), bytes.Repeat([]byte{0xaa}, blkSectorSize)) {
		t.Error("first read returned wrong data")
	}
	if !bytes.Equal(h.mem.bytes(d2, blkSectorSize), bytes.Repeat([]byte{0xbb}, blkSectorSize)) {
		t.Error("third read returned wrong data")
	}

	used := h.ring.used()
	if len(used) != 3 {
		t.Fatalf("used entries = %d, want 3", len(used))
	}
	wantLens := []uint32{blkSectorSize + 1, 1, blkSectorSize + 1}
	for i, u := range used {
		if u.len != wantLens[i] {
			t.Errorf("used[%d].len = %d, want %d", i, u.len, wantLens[i])
		}
	}
	if n, _ := h.irq.counts(); n != 1 {
		t.Errorf("interrupts = %d, want 1 for the batch", n)
	}
}

func TestBlkWriteThenRead(t *testing.T) {
	backend := newMemBackend(8 * blkSectorSize)
	h := newBlkHarness(t, backend, BlkOptions{})

	payload := bytes.Repeat([]byte("ccvm"), blkSectorSize/2)
	_, ws := h.submit(append(blkHeader(VIRTIO_BLK_T_OUT, 2), payload...), 0)
	rd, rs := h.submit(blkHeader(VIRTIO_BLK_T_IN, 2), 2*blkSectorSize)
	h.service(t)

	if got := h.statusAt(ws); got != VIRTIO_BLK_S_OK {
		t.Fatalf("write status = %d", got)
	}
	if got := h.statusAt(rs); got != VIRTIO_BLK_S_OK {
		t.Fatalf("read status = %d", got)
	}
	if !bytes.Equal(backend.data[2*blkSectorSize:4*blkSectorSize], payload) {
		t.Fatal("backend does not hold the written sectors")
	}
	if !bytes.Equal(h.mem.bytes(rd, 2*blkSectorSize), payload) {
		t.Fatal("read did not return the written sectors")
	}
}

func TestBlkRequests(t *testing.T) {
	t.Run("write past end", func(t *testing.T) {
		h := newBlkHarness(t, newMemBackend(4*blkSectorSize), BlkOptions{})
		_, s := h.submit(append(blkHeader(VIRTIO_BLK_T_OUT, 4), make([]byte, blkSectorSize)...), 0)
		h.service(t)
		if got := h.statusAt(s); got != VIRTIO_BLK_S_IOERR {
			t.Fatalf("status = %d, want IOERR", got)
		}
	})

	t.Run("read only", func(t *testing.T) {
		backend := newMemBackend(4 * blkSectorSize)
		h := newBlkHarness(t, backend, BlkOptions{ReadOnly: true})
		_, s := h.submit(append(blkHeader(VIRTIO_BLK_T_OUT, 0), bytes.Repeat([]byte{1}, blkSectorSize)...), 0)
		h.service(t)
		if got := h.statusAt(s); got != VIRTIO_BLK_S_IOERR {
			t.Fatalf("status = %d, want IOERR", got)
		}
		if backend.data[0] != 0 {
			t.Fatal("read-only backend was written")
		}
	})

	t.Run("flush", func(t *testing.T) {
		backend := newMemBackend(4 * blkSectorSize)
		h := newBlkHarness(t, backend, BlkOptions{})
		_, s := h.submit(blkHeader(VIRTIO_BLK_T_FLUSH, 0), 0)
		h.service(t)
		if got := h.statusAt(s); got != VIRTIO_BLK_S_OK || backend.flushes != 1 {
			t.Fatalf("status = %d flushes = %d, want OK and 1", got, backend.flushes)
		}
	})

	t.Run("get id", func(t *testing.T) {
		h := newBlkHarness(t, newMemBackend(4*blkSectorSize), BlkOptions{ID: "rootfs"})
		d, s := h.submit(blkHeader(VIRTIO_BLK_T_GET_ID, 0), blkIDBytes)
		h.service(t)
		if got := h.statusAt(s); got != VIRTIO_BLK_S_OK {
			t.Fatalf("status = %d", got)
		}
		want := make([]byte, blkIDBytes)
		copy(want, "rootfs")
		if got := h.mem.bytes(d, blkIDBytes); !bytes.Equal(got, want) {
			t.Fatalf("id = %q, want %q", got, want)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		h := newBlkHarness(t, newMemBackend(4*blkSectorSize), BlkOptions{})
		_, s := h.submit(blkHeader(99, 0), 0)
		h.service(t)
		if got := h.statusAt(s); got != VIRTIO_BLK_S_UNSUPP {
			t.Fatalf("status = %d, want UNSUPP", got)
		}
	})

	t.Run("discard ignores unsupported punch", func(t *testing.T) {
		backend := newMemBackend(4 * blkSectorSize)
		backend.punchErr = blockdev.ErrPunchHoleUnsupported
		h := newBlkHarness(t, backend, BlkOptions{})
		_, s := h.submit(append(blkHeader(VIRTIO_BLK_T_DISCARD, 0), blkSegment(0, 2, 0)...), 0)
		h.service(t)
		if got := h.statusAt(s); got != VIRTIO_BLK_S_OK {
			t.Fatalf("status = %d, want OK", got)
		}
	})

	t.Run("write zeroes with unmap needs punch", func(t *testing.T) {
		backend := newMemBackend(4 * blkSectorSize)
		backend.punchErr = blockdev.ErrPunchHoleUnsupported
		h := newBlkHarness(t, backend, BlkOptions{})
		_, s := h.submit(append(blkHeader(VIRTIO_BLK_T_WRITE_ZEROES, 0),
			blkSegment(0, 1, VIRTIO_BLK_WRITE_ZEROES_FLAG_UNMAP)...), 0)
		h.service(t)
		if got := h.statusAt(s); got != VIRTIO_BLK_S_IOERR {
			t.Fatalf("status = %d, want IOERR", got)
		}
	})

	t.Run("write zeroes with unmap", func(t *testing.T) {
		backend := newMemBackend(4 * blkSectorSize)
		copy(backend.data, bytes.Repeat([]byte{7}, len(backend.data)))
		h := newBlkHarness(t, backend, BlkOptions{})
		_, s := h.submit(append(blkHeader(VIRTIO_BLK_T_WRITE_ZEROES, 0),
			blkSegment(1, 2, VIRTIO_BLK_WRITE_ZEROES_FLAG_UNMAP)...), 0)
		h.service(t)
		if got := h.statusAt(s); got != VIRTIO_BLK_S_OK {
			t.Fatalf("status = %d, want OK", got)
		}
		if len(backend.punched) != 1 || backend.punched[0] != [2]int64{blkSectorSize, 2 * blkSectorSize} {
			t.Fatalf("punched = %v", backend.punched)
		}
	})

	t.Run("write zeroes", func(t *testing.T) {
		backend := newMemBackend(4 * blkSectorSize)
		copy(backend.data, bytes.Repeat([]byte{7}, len(backend.data)))
		h := newBlkHarness(t, backend, BlkOptions{})
		_, s := h.submit(append(blkHeader(VIRTIO_BLK_T_WRITE_ZEROES, 0), blkSegment(1, 1, 0)...), 0)
		h.service(t)
		if got := h.statusAt(s); got != VIRTIO_BLK_S_OK {
			t.Fatalf("status = %d, want OK", got)
		}
		if !bytes.Equal(backend.data[blkSectorSize:2*blkSectorSize], make([]byte, blkSectorSize)) {
			t.Fatal("sector 1 not zeroed")
		}
		if backend.data[0] != 7 || backend.data[2*blkSectorSize] != 7 {
			t.Fatal("zeroing touched neighbouring sectors")
		}
		if len(backend.punched) != 0 {
			t.Fatal("write zeroes without unmap punched a hole")
		}
	})
}

func TestBlkWorker(t *testing.T) {
	backend := newMemBackend(4 * blkSectorSize)
	h := newBlkHarness(t, backend, BlkOptions{})
	if err := h.dev.Activate(Activation{Mem: h.mem, Queues: []*Queue{h.q}, IRQ: h.irq}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	defer h.dev.Reset()

	_, s := h.submit(blkHeader(VIRTIO_BLK_T_FLUSH, 0), 0)
	h.dev.Notify(0)

	select {
	case <-h.irq.used:
	case <-time.After(5 * time.Second):
		t.Fatal("no interrupt after notifying the request queue")
	}
	if got := h.statusAt(s); got != VIRTIO_BLK_S_OK {
		t.Fatalf("status = %d, want OK", got)
	}
	if err := h.dev.Activate(Activation{Mem: h.mem, Queues: []*Queue{h.q}, IRQ: h.irq}); err == nil {
		t.Fatal("second Activate succeeded")
	}
}
