package virtio

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func consoleRings(t *testing.T) (*mockGuestMemory, *testRing, *testRing) {
	mem := newMockGuestMemory(testMemSize)
	return mem, newTestRingAt(t, mem, false, 0), newTestRingAt(t, mem, false, 1)
}

func TestConsoleTransmit(t *testing.T) {
	out := &lockedBuffer{}
	c := NewConsole(out, nil, nil)
	_, rx, tx := consoleRings(t)
	irq := newFakeSignaller()

	tx.addChain(rbuf([]byte("hello ")), rbuf([]byte("world\n")))
	if err := c.service(rx.queue(), tx.queue(), irq); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "hello world\n" {
		t.Fatalf("console output = %q", got)
	}
	if tx.usedIdx() != 1 {
		t.Fatalf("tx used idx = %d, want 1", tx.usedIdx())
	}
	if n, _ := irq.counts(); n != 1 {
		t.Fatalf("interrupts = %d, want 1", n)
	}
}

func TestConsoleReceiveKeepsOverflowPending(t *testing.T) {
	c := NewConsole(io.Discard, nil, nil)
	mem, rx, _ := consoleRings(t)
	q := rx.queue()

	c.input <- []byte("hello")
	_, small := rx.addChain(wbuf(3))
	delivered, err := c.fillReceive(q)
	if err != nil || !delivered {
		t.Fatalf("fillReceive = %v, %v", delivered, err)
	}
	if got := mem.bytes(small[0], 3); string(got) != "hel" {
		t.Fatalf("first buffer = %q", got)
	}
	if string(c.pending) != "lo" {
		t.Fatalf("pending = %q, want lo", c.pending)
	}

	_, big := rx.addChain(wbuf(16))
	if _, err := c.fillReceive(q); err != nil {
		t.Fatal(err)
	}
	used := rx.used()
	if len(used) != 2 || used[0].len != 3 || used[1].len != 2 {
		t.Fatalf("used = %+v", used)
	}
	if got := mem.bytes(big[0], 2); string(got) != "lo" {
		t.Fatalf("second buffer = %q", got)
	}
}

func TestConsoleSizeAndEmergencyWrite(t *testing.T) {
	out := &lockedBuffer{}
	c := NewConsole(out, nil, nil)

	if err := c.SetSize(120, 40); err != nil {
		t.Fatalf("SetSize before activation: %v", err)
	}
	cfg := make([]byte, consoleConfigSize)
	c.ReadConfig(0, cfg)
	if cols, rows := binary.LittleEndian.Uint16(cfg[0:]), binary.LittleEndian.Uint16(cfg[2:]); cols != 120 || rows != 40 {
		t.Fatalf("size = %dx%d, want 120x40", cols, rows)
	}
	if ports := binary.LittleEndian.Uint32(cfg[4:]); ports != 1 {
		t.Fatalf("max_nr_ports = %d, want 1", ports)
	}

	c.WriteConfig(8, []byte{'!', 0, 0, 0})
	if out.String() != "!" {
		t.Fatalf("emergency write = %q", out.String())
	}
}

func TestConsoleWorker(t *testing.T) {
	out := &lockedBuffer{}
	c := NewConsole(out, strings.NewReader("typed"), nil)
	mem, rx, tx := consoleRings(t)
	irq := newFakeSignaller()

	_, addrs := rx.addChain(wbuf(64))
	if err := c.Activate(Activation{Mem: mem, Queues: []*Queue{rx.queue(), tx.queue()}, IRQ: irq}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	defer c.Reset()

	deadline := time.Now().Add(5 * time.Second)
	for rx.usedIdx() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("host input never reached the receive queue")
		}
		time.Sleep(time.Millisecond)
	}
	if got := mem.bytes(addrs[0], 5); string(got) != "typed" {
		t.Fatalf("receive buffer = %q", got)
	}

	if err := c.SetSize(80, 24); err != nil {
		t.Fatal(err)
	}
	if _, n := irq.counts(); n != 1 {
		t.Fatalf("config interrupts = %d, want 1", n)
	}
}
