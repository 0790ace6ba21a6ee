package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
)

// mockGuestMemory is a flat guest RAM starting at address zero.
type mockGuestMemory struct {
	mu   sync.Mutex
	data []byte

	// onWrite runs after every write, outside the lock.
	onWrite func(addr uint64, p []byte)
}

func newMockGuestMemory(size int) *mockGuestMemory {
	return &mockGuestMemory{data: make([]byte, size)}
}

func (m *mockGuestMemory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("read %d bytes at %#x outside guest memory", len(p), off)
	}
	return copy(p, m.data[off:]), nil
}

func (m *mockGuestMemory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		m.mu.Unlock()
		return 0, fmt.Errorf("write %d bytes at %#x outside guest memory", len(p), off)
	}
	n := copy(m.data[off:], p)
	hook := m.onWrite
	m.mu.Unlock()
	if hook != nil {
		hook(uint64(off), p)
	}
	return n, nil
}

func (m *mockGuestMemory) bytes(addr uint64, n int) []byte {
	out := make([]byte, n)
	if _, err := m.ReadAt(out, int64(addr)); err != nil {
		panic(err)
	}
	return out
}

func (m *mockGuestMemory) put16(addr uint64, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	m.WriteAt(b[:], int64(addr))
}

func (m *mockGuestMemory) get16(addr uint64) uint16 {
	return binary.LittleEndian.Uint16(m.bytes(addr, 2))
}

const (
	testQueueSize = 16
	testDescAddr  = 0x1000
	testAvailAddr = 0x2000
	testUsedAddr  = 0x3000
	testBufBase   = 0x10000
	testMemSize   = 1 << 20
)

// testRing plays the driver side of one split virtqueue.
type testRing struct {
	t   *testing.T
	mem *mockGuestMemory
	cfg QueueConfig

	nextDesc uint16
	availIdx uint16
	nextBuf  uint64
}

// testBuf is one descriptor of a chain. Readable buffers carry data;
// writable ones are size bytes of device-writable space.
type testBuf struct {
	data     []byte
	size     uint32
	writable bool
}

func rbuf(p []byte) testBuf { return testBuf{data: p, size: uint32(len(p))} }

func wbuf(n uint32) testBuf { return testBuf{size: n, writable: true} }

func newTestRing(t *testing.T, mem *mockGuestMemory, eventIdx bool) *testRing {
	t.Helper()
	return newTestRingAt(t, mem, eventIdx, 0)
}

// newTestRingAt lays out a ring at slot, so several queues can share one
// guest memory.
func newTestRingAt(t *testing.T, mem *mockGuestMemory, eventIdx bool, slot uint64) *testRing {
	t.Helper()
	shift := slot * 0x4000
	return &testRing{
		t:   t,
		mem: mem,
		cfg: QueueConfig{
			Size:      testQueueSize,
			DescAddr:  testDescAddr + shift,
			AvailAddr: testAvailAddr + shift,
			UsedAddr:  testUsedAddr + shift,
			EventIdx:  eventIdx,
		},
		nextBuf: testBufBase + slot*0x40000,
	}
}

func (r *testRing) queue() *Queue {
	r.t.Helper()
	q, err := NewQueue(r.mem, r.cfg, nil)
	if err != nil {
		r.t.Fatalf("NewQueue: %v", err)
	}
	return q
}

func (r *testRing) writeDesc(idx uint16, d Descriptor) {
	var raw [descSize]byte
	binary.LittleEndian.PutUint64(raw[0:], d.Addr)
	binary.LittleEndian.PutUint32(raw[8:], d.Len)
	binary.LittleEndian.PutUint16(raw[12:], d.Flags)
	binary.LittleEndian.PutUint16(raw[14:], d.Next)
	r.mem.WriteAt(raw[:], int64(r.cfg.DescAddr+uint64(idx)*descSize))
}

// addChain writes the buffers and descriptors of a chain and publishes its
// head. It returns the head and the guest address of each buffer.
func (r *testRing) addChain(bufs ...testBuf) (uint16, []uint64) {
	r.t.Helper()
	head := r.nextDesc % testQueueSize
	addrs := make([]uint64, len(bufs))
	for i, b := range bufs {
		idx := r.nextDesc % testQueueSize
		r.nextDesc++
		addr := r.nextBuf
		r.nextBuf += uint64(b.size+15) &^ 15
		if b.data != nil {
			r.mem.WriteAt(b.data, int64(addr))
		}
		d := Descriptor{Addr: addr, Len: b.size}
		if b.writable {
			d.Flags |= descFWrite
		}
		if i < len(bufs)-1 {
			d.Flags |= descFNext
			d.Next = r.nextDesc % testQueueSize
		}
		r.writeDesc(idx, d)
		addrs[i] = addr
	}
	r.publish(head)
	return head, addrs
}

func (r *testRing) publish(head uint16) {
	r.mem.put16(r.cfg.AvailAddr+4+2*uint64(r.availIdx%testQueueSize), head)
	r.availIdx++
	r.mem.put16(r.cfg.AvailAddr+2, r.availIdx)
}

func (r *testRing) usedIdx() uint16 { return r.mem.get16(r.cfg.UsedAddr + 2) }

type usedElem struct {
	id  uint32
	len uint32
}

// used returns every element the device has published.
func (r *testRing) used() []usedElem {
	n := r.usedIdx()
	out := make([]usedElem, 0, n)
	for i := uint16(0); i < n; i++ {
		raw := r.mem.bytes(r.cfg.UsedAddr+4+usedElemSize*uint64(i%testQueueSize), usedElemSize)
		out = append(out, usedElem{
			id:  binary.LittleEndian.Uint32(raw[0:]),
			len: binary.LittleEndian.Uint32(raw[4:]),
		})
	}
	return out
}

// fakeSignaller counts interrupts and forwards them to used when set.
type fakeSignaller struct {
	mu      sync.Mutex
	usedN   int
	configN int
	used    chan struct{}
}

func newFakeSignaller() *fakeSignaller {
	return &fakeSignaller{used: make(chan struct{}, 64)}
}

func (s *fakeSignaller) SignalUsed() error {
	s.mu.Lock()
	s.usedN++
	s.mu.Unlock()
	select {
	case s.used <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeSignaller) SignalConfig() error {
	s.mu.Lock()
	s.configN++
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaller) counts() (used, config int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedN, s.configN
}
