package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/ccvmm/internal/reclaim"
	"github.com/tinyrange/ccvmm/internal/signal"
)

type reclaimCall struct{ gpa, size uint64 }

type fakeReclaimer struct {
	mu          sync.Mutex
	pageSize    uint64
	calls       []reclaimCall
	corrections int
	err         error
}

func (r *fakeReclaimer) Reclaim(gpa, size uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, reclaimCall{gpa, size})
	return nil
}

func (r *fakeReclaimer) RequestCorrection() {
	r.mu.Lock()
	r.corrections++
	r.mu.Unlock()
}

func (r *fakeReclaimer) PageSize() uint64 { return r.pageSize }

func pfnList(pfns ...uint32) []byte {
	out := make([]byte, 4*len(pfns))
	for i, p := range pfns {
		binary.LittleEndian.PutUint32(out[4*i:], p)
	}
	return out
}

type balloonHarness struct {
	mem    *mockGuestMemory
	rings  map[balloonRole]*testRing
	queues map[balloonRole]*Queue
	irq    *fakeSignaller
	dev    *Balloon
	rec    *fakeReclaimer
}

func newBalloonHarness(t *testing.T, pageSize uint64, roles ...balloonRole) *balloonHarness {
	t.Helper()
	mem := newMockGuestMemory(4 * testMemSize)
	h := &balloonHarness{
		mem:    mem,
		rings:  make(map[balloonRole]*testRing),
		queues: make(map[balloonRole]*Queue),
		irq:    newFakeSignaller(),
		rec:    &fakeReclaimer{pageSize: pageSize},
	}
	for i, role := range roles {
		r := newTestRingAt(t, mem, false, uint64(i))
		h.rings[role] = r
		h.queues[role] = r.queue()
	}
	h.dev = NewBalloon(h.rec, BalloonOptions{Reporting: true})
	return h
}

func (h *balloonHarness) service(t *testing.T, bits uint64) {
	t.Helper()
	if err := h.dev.service(h.queues, signal.Mask(bits), h.irq); err != nil {
		t.Fatalf("service: %v", err)
	}
}

func TestBalloonQueueRoles(t *testing.T) {
	tests := []struct {
		name     string
		features uint64
		want     []balloonRole
	}{
		{"base", 0, []balloonRole{roleInflate, roleDeflate, roleUnused, roleUnused}},
		{"stats", VIRTIO_BALLOON_F_STATS_VQ, []balloonRole{roleInflate, roleDeflate, roleStats, roleUnused}},
		{"reporting only", VIRTIO_BALLOON_F_REPORTING, []balloonRole{roleInflate, roleDeflate, roleReporting, roleUnused}},
		{"both", VIRTIO_BALLOON_F_STATS_VQ | VIRTIO_BALLOON_F_REPORTING, []balloonRole{roleInflate, roleDeflate, roleStats, roleReporting}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := queueRoles(tt.features)
			if len(got) != len(tt.want) {
				t.Fatalf("roles = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("roles = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestBalloonInflateCoalescesPages(t *testing.T) {
	h := newBalloonHarness(t, 4096, roleInflate, roleDeflate)
	h.rings[roleInflate].addChain(rbuf(pfnList(3, 1, 2, 10)))
	h.service(t, 0)

	want := []reclaimCall{{0x1000, 0x3000}, {0xa000, 0x1000}}
	if len(h.rec.calls) != len(want) {
		t.Fatalf("reclaims = %+v, want %+v", h.rec.calls, want)
	}
	for i := range want {
		if h.rec.calls[i] != want[i] {
			t.Fatalf("reclaims = %+v, want %+v", h.rec.calls, want)
		}
	}
	if h.rec.corrections != 1 {
		t.Fatalf("corrections = %d, want 1", h.rec.corrections)
	}
	if h.rings[roleInflate].usedIdx() != 1 {
		t.Fatal("inflate chain not retired")
	}
	if n, _ := h.irq.counts(); n != 1 {
		t.Fatalf("interrupts = %d, want 1", n)
	}
}

// Guest pages smaller than a host page only free memory once they cover a
// whole host page.
func TestBalloonInflateTrimsToHostPages(t *testing.T) {
	h := newBalloonHarness(t, 16384, roleInflate, roleDeflate)
	h.rings[roleInflate].addChain(rbuf(pfnList(1, 2, 3)))
	h.rings[roleInflate].addChain(rbuf(pfnList(4, 5, 6, 7, 8)))
	h.service(t, 0)

	if len(h.rec.calls) != 1 || h.rec.calls[0] != (reclaimCall{16384, 16384}) {
		t.Fatalf("reclaims = %+v, want one host page at 16384", h.rec.calls)
	}
	if h.rings[roleInflate].usedIdx() != 2 {
		t.Fatal("inflate chains not retired")
	}
}

func TestBalloonDeflateAndFailuresRetireChains(t *testing.T) {
	h := newBalloonHarness(t, 4096, roleInflate, roleDeflate)
	h.rec.err = fmt.Errorf("%w: pfn past the end of RAM", reclaim.ErrOutOfRange)
	h.rings[roleInflate].addChain(rbuf(pfnList(1)))
	h.rings[roleDeflate].addChain(rbuf(pfnList(1)))
	h.service(t, 0)

	if h.rings[roleInflate].usedIdx() != 1 || h.rings[roleDeflate].usedIdx() != 1 {
		t.Fatal("chains not retired")
	}
	if h.rec.corrections != 0 {
		t.Fatal("correction requested although nothing was reclaimed")
	}
}

func TestBalloonStage2FailureStopsService(t *testing.T) {
	for _, role := range []balloonRole{roleInflate, roleReporting} {
		t.Run(roleName(role), func(t *testing.T) {
			h := newBalloonHarness(t, 4096, roleInflate, roleDeflate, roleReporting)
			h.rec.err = fmt.Errorf("%w: remap: hv_vm_map failed", reclaim.ErrStage2)
			if role == roleInflate {
				h.rings[roleInflate].addChain(rbuf(pfnList(0x200)))
			} else {
				ring := h.rings[roleReporting]
				ring.writeDesc(0, Descriptor{Addr: 0x200000, Len: 0x10000})
				ring.publish(0)
			}

			err := h.dev.service(h.queues, 0, h.irq)
			if !errors.Is(err, reclaim.ErrStage2) {
				t.Fatalf("service error = %v, want ErrStage2", err)
			}
			if h.rings[role].usedIdx() != 0 {
				t.Fatal("chain retired after a failed stage-2 change")
			}
			if h.rec.corrections != 0 {
				t.Fatal("correction requested after a failed stage-2 change")
			}
		})
	}
}

func TestBalloonFreePageReporting(t *testing.T) {
	h := newBalloonHarness(t, 4096, roleInflate, roleDeflate, roleReporting)
	ring := h.rings[roleReporting]
	// Reported blocks are device-readable descriptors addressing the free
	// ranges directly.
	ring.writeDesc(0, Descriptor{Addr: 0x200000, Len: 0x10000, Flags: descFNext, Next: 1})
	ring.writeDesc(1, Descriptor{Addr: 0x400000, Len: 0x8000})
	ring.publish(0)
	h.service(t, 0)

	want := []reclaimCall{{0x200000, 0x10000}, {0x400000, 0x8000}}
	if len(h.rec.calls) != 2 || h.rec.calls[0] != want[0] || h.rec.calls[1] != want[1] {
		t.Fatalf("reclaims = %+v, want %+v", h.rec.calls, want)
	}
	if ring.usedIdx() != 1 {
		t.Fatal("report chain not retired")
	}
}

func TestBalloonStats(t *testing.T) {
	h := newBalloonHarness(t, 4096, roleInflate, roleDeflate, roleStats)
	ring := h.rings[roleStats]

	stats := make([]byte, 2*balloonStatSize)
	binary.LittleEndian.PutUint16(stats[0:], VIRTIO_BALLOON_S_MEMFREE)
	binary.LittleEndian.PutUint64(stats[2:], 1<<30)
	binary.LittleEndian.PutUint16(stats[10:], VIRTIO_BALLOON_S_MEMTOT)
	binary.LittleEndian.PutUint64(stats[12:], 4<<30)
	ring.addChain(rbuf(stats))
	h.service(t, 0)

	got := h.dev.Stats()
	if got[VIRTIO_BALLOON_S_MEMFREE] != 1<<30 || got[VIRTIO_BALLOON_S_MEMTOT] != 4<<30 {
		t.Fatalf("stats = %v", got)
	}
	if ring.usedIdx() != 0 {
		t.Fatal("stats buffer returned before the host asked for new numbers")
	}

	h.service(t, uint64(balloonBitStats))
	if ring.usedIdx() != 1 {
		t.Fatal("stats buffer not returned on request")
	}
}

func TestBalloonTargetAndActual(t *testing.T) {
	h := newBalloonHarness(t, 4096, roleInflate, roleDeflate)
	if err := h.dev.SetTarget(256); err != nil {
		t.Fatal(err)
	}
	cfg := make([]byte, 8)
	h.dev.ReadConfig(0, cfg)
	if got := binary.LittleEndian.Uint32(cfg[0:]); got != 256 {
		t.Fatalf("num_pages = %d, want 256", got)
	}

	actual := make([]byte, 4)
	binary.LittleEndian.PutUint32(actual, 128)
	h.dev.WriteConfig(4, actual)
	h.dev.WriteConfig(0, actual)
	if got := h.dev.Actual(); got != 128 {
		t.Fatalf("actual = %d, want 128", got)
	}
	h.dev.ReadConfig(0, cfg)
	if got := binary.LittleEndian.Uint32(cfg[0:]); got != 256 {
		t.Fatalf("driver overwrote num_pages: %d", got)
	}
}

func TestBalloonStatsEventIdx(t *testing.T) {
	h := newBalloonHarness(t, 4096, roleInflate, roleDeflate, roleStats)
	ring := newTestRingAt(t, h.mem, true, 2)
	h.rings[roleStats] = ring
	h.queues[roleStats] = ring.queue()
	availEvent := ring.cfg.UsedAddr + 4 + 8*testQueueSize

	stats := make([]byte, balloonStatSize)
	binary.LittleEndian.PutUint16(stats[0:], VIRTIO_BALLOON_S_MEMFREE)
	binary.LittleEndian.PutUint64(stats[2:], 1<<30)
	ring.addChain(rbuf(stats))
	h.service(t, 0)

	if got := h.mem.get16(availEvent); got != 1 {
		t.Fatalf("avail_event = %d after the first buffer, want 1", got)
	}

	h.service(t, uint64(balloonBitStats))
	if ring.usedIdx() != 1 {
		t.Fatal("stats buffer not returned on request")
	}

	binary.LittleEndian.PutUint64(stats[2:], 2<<30)
	ring.addChain(rbuf(stats))
	h.service(t, 0)
	if got := h.dev.Stats()[VIRTIO_BALLOON_S_MEMFREE]; got != 2<<30 {
		t.Fatalf("MEMFREE = %d after refill, want %d", got, 2<<30)
	}
	if got := h.mem.get16(availEvent); got != 2 {
		t.Fatalf("avail_event = %d after the refill, want 2", got)
	}
}

func TestBalloonWorkerReportsFailure(t *testing.T) {
	h := newBalloonHarness(t, 4096, roleInflate, roleDeflate)
	h.rec.err = fmt.Errorf("%w: unmap: hv_vm_unmap failed", reclaim.ErrStage2)
	h.rings[roleInflate].addChain(rbuf(pfnList(0x200)))

	failed := make(chan error, 1)
	err := h.dev.Activate(Activation{
		Mem:    h.mem,
		Queues: []*Queue{h.queues[roleInflate], h.queues[roleDeflate]},
		IRQ:    h.irq,
		Fail:   func(err error) { failed <- err },
	})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	defer h.dev.Reset()

	select {
	case err := <-failed:
		if !errors.Is(err, reclaim.ErrStage2) {
			t.Fatalf("worker failure = %v, want ErrStage2", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker failure not reported")
	}
}
