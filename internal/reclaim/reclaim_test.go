package reclaim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/tinyrange/ccvmm/internal/hv"
)

const testPage = 4096

type fakeStage2 struct {
	mu     sync.Mutex
	ops    []string
	mapped map[uint64]bool
	mapErr error
}

func newFakeStage2(base, size uint64) *fakeStage2 {
	s := &fakeStage2{mapped: make(map[uint64]bool)}
	for p := base; p < base+size; p += testPage {
		s.mapped[p] = true
	}
	return s
}

func (s *fakeStage2) MapMemory(host []byte, gpa uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, fmt.Sprintf("map %#x+%#x", gpa, len(host)))
	if s.mapErr != nil {
		return s.mapErr
	}
	for p := gpa; p < gpa+uint64(len(host)); p += testPage {
		s.mapped[p] = true
	}
	return nil
}

func (s *fakeStage2) UnmapMemory(gpa, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, fmt.Sprintf("unmap %#x+%#x", gpa, size))
	for p := gpa; p < gpa+size; p += testPage {
		s.mapped[p] = false
	}
	return nil
}

// zeroAdvisor emulates discard of private anonymous memory and records
// pages advised while still in the stage-2 mapping.
type zeroAdvisor struct {
	mem         *hv.GuestMemory
	stage2      *fakeStage2
	calls       int
	whileMapped int
}

func (a *zeroAdvisor) Discard(page []byte) error {
	a.calls++
	if len(page) != testPage {
		return fmt.Errorf("advised %d bytes, want one page", len(page))
	}
	off := uintptr(unsafe.Pointer(&page[0])) - uintptr(unsafe.Pointer(&a.mem.Data[0]))
	a.stage2.mu.Lock()
	if a.stage2.mapped[a.mem.Base+uint64(off)] {
		a.whileMapped++
	}
	a.stage2.mu.Unlock()
	clear(page)
	return nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestReclaimer(t *testing.T, opts Options) (*Reclaimer, *hv.GuestMemory, *fakeStage2, *zeroAdvisor) {
	t.Helper()
	mem := &hv.GuestMemory{Base: 0x4000_0000, Data: make([]byte, 16*testPage)}
	for i := range mem.Data {
		mem.Data[i] = 0xcc
	}
	s2 := newFakeStage2(mem.Base, mem.Size())
	adv := &zeroAdvisor{mem: mem, stage2: s2}
	opts.PageSize = testPage
	opts.Advisor = adv
	opts.Logger = quietLogger()
	r, err := New(mem, s2, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, mem, s2, adv
}

func TestReclaimOrdering(t *testing.T) {
	r, mem, s2, adv := newTestReclaimer(t, Options{})

	gpa := mem.Base + 2*testPage
	if err := r.Reclaim(gpa, 3*testPage); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}

	want := []string{
		fmt.Sprintf("unmap %#x+%#x", gpa, 3*testPage),
		fmt.Sprintf("map %#x+%#x", gpa, 3*testPage),
	}
	if fmt.Sprint(s2.ops) != fmt.Sprint(want) {
		t.Fatalf("stage-2 ops = %v, want %v", s2.ops, want)
	}
	if adv.calls != 3 {
		t.Fatalf("advisor called %d times, want once per page (3)", adv.calls)
	}
	if adv.whileMapped != 0 {
		t.Fatalf("%d pages advised while still mapped in stage-2", adv.whileMapped)
	}
	for p := gpa; p < gpa+3*testPage; p += testPage {
		if !s2.mapped[p] {
			t.Fatalf("page %#x left unmapped", p)
		}
	}
	for i, b := range mem.Data {
		inRange := uint64(i) >= 2*testPage && uint64(i) < 5*testPage
		if inRange && b != 0 {
			t.Fatalf("byte %#x not discarded", i)
		}
		if !inRange && b != 0xcc {
			t.Fatalf("byte %#x outside the range changed", i)
		}
	}
	if st := r.Stats(); st.Ranges != 1 || st.Bytes != 3*testPage {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestReclaimIdempotent(t *testing.T) {
	r, mem, s2, _ := newTestReclaimer(t, Options{})

	gpa := mem.Base + 4*testPage
	for i := 0; i < 2; i++ {
		if err := r.Reclaim(gpa, 2*testPage); err != nil {
			t.Fatalf("Reclaim #%d: %v", i+1, err)
		}
	}
	for p, mapped := range s2.mapped {
		if !mapped {
			t.Fatalf("page %#x unmapped after repeated reclaim", p)
		}
	}
	if len(s2.mapped) != 16 {
		t.Fatalf("stage-2 tracks %d pages, want 16", len(s2.mapped))
	}
	for i := 4 * testPage; i < 6*testPage; i++ {
		if mem.Data[i] != 0 {
			t.Fatalf("byte %#x not zero after repeated reclaim", i)
		}
	}
}

func TestReclaimRejects(t *testing.T) {
	r, mem, s2, _ := newTestReclaimer(t, Options{})

	tests := []struct {
		name string
		gpa  uint64
		size uint64
		want error
	}{
		{"unaligned address", mem.Base + 1, testPage, ErrUnaligned},
		{"unaligned size", mem.Base, testPage + 1, ErrUnaligned},
		{"below memory", mem.Base - testPage, testPage, ErrOutOfRange},
		{"past end", mem.Base + 15*testPage, 2 * testPage, ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Reclaim(tt.gpa, tt.size); !errors.Is(err, tt.want) {
				t.Fatalf("Reclaim error = %v, want %v", err, tt.want)
			}
		})
	}
	if len(s2.ops) != 0 {
		t.Fatalf("rejected reclaims touched stage-2: %v", s2.ops)
	}
}

type countingRemapper struct{ n atomic.Int32 }

func (c *countingRemapper) RemapInPlace([]byte) error {
	c.n.Add(1)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRequestCorrectionDebounce(t *testing.T) {
	rm := &countingRemapper{}
	r, _, _, _ := newTestReclaimer(t, Options{Remapper: rm, CorrectionInterval: 100 * time.Millisecond})

	r.RequestCorrection()
	if got := rm.n.Load(); got != 1 {
		t.Fatalf("leading-edge request ran %d passes, want 1", got)
	}

	for i := 0; i < 5; i++ {
		r.RequestCorrection()
	}
	if got := rm.n.Load(); got != 1 {
		t.Fatalf("requests inside the interval ran immediately: %d passes", got)
	}
	waitFor(t, "trailing correction", func() bool { return rm.n.Load() == 2 })

	time.Sleep(150 * time.Millisecond)
	if got := rm.n.Load(); got != 2 {
		t.Fatalf("coalesced requests ran %d passes, want 2", got)
	}
	if st := r.Stats(); st.Corrections != 2 {
		t.Fatalf("Stats.Corrections = %d, want 2", st.Corrections)
	}
}

func TestCloseCancelsPendingCorrection(t *testing.T) {
	rm := &countingRemapper{}
	r, _, _, _ := newTestReclaimer(t, Options{Remapper: rm, CorrectionInterval: 50 * time.Millisecond})

	r.RequestCorrection()
	r.RequestCorrection()
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := rm.n.Load(); got != 1 {
		t.Fatalf("%d passes after Close, want only the leading one", got)
	}
	if err := r.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
}

func TestReclaimRemapFailureIsStage2Error(t *testing.T) {
	r, mem, s2, _ := newTestReclaimer(t, Options{})
	s2.mapErr = errors.New("hv_vm_map failed")

	err := r.Reclaim(mem.Base, testPage)
	if !errors.Is(err, ErrStage2) {
		t.Fatalf("Reclaim error = %v, want ErrStage2", err)
	}
	if errors.Is(err, ErrUnaligned) || errors.Is(err, ErrOutOfRange) {
		t.Fatalf("host failure reported as a bad request: %v", err)
	}
	if got := r.Settle(); got != 1 {
		t.Fatalf("Settle = %d, want the failed change counted", got)
	}
}

type blockingRemapper struct {
	entered chan struct{}
	release chan struct{}
	err     error
}

func (b *blockingRemapper) RemapInPlace([]byte) error {
	close(b.entered)
	<-b.release
	return b.err
}

func TestSettleWaitsForCorrection(t *testing.T) {
	rm := &blockingRemapper{entered: make(chan struct{}), release: make(chan struct{})}
	r, _, _, _ := newTestReclaimer(t, Options{Remapper: rm})

	if got := r.Settle(); got != 0 {
		t.Fatalf("Settle before any change = %d", got)
	}
	go r.RequestCorrection()
	<-rm.entered

	settled := make(chan uint64, 1)
	go func() { settled <- r.Settle() }()
	select {
	case n := <-settled:
		t.Fatalf("Settle returned %d while the pass was running", n)
	case <-time.After(50 * time.Millisecond):
	}

	close(rm.release)
	select {
	case n := <-settled:
		if n != 1 {
			t.Fatalf("Settle = %d, want 1", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Settle never returned")
	}
}

func TestCorrectionFailureIsReported(t *testing.T) {
	rm := &blockingRemapper{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		err:     errors.New("mach_vm_remap failed"),
	}
	close(rm.release)
	failed := make(chan error, 1)
	r, _, _, _ := newTestReclaimer(t, Options{Remapper: rm, Fail: func(err error) { failed <- err }})

	r.RequestCorrection()
	select {
	case err := <-failed:
		if !errors.Is(err, ErrStage2) {
			t.Fatalf("reported %v, want ErrStage2", err)
		}
	default:
		t.Fatal("failed correction pass not reported")
	}
	if st := r.Stats(); st.Corrections != 0 {
		t.Fatalf("Stats.Corrections = %d after a failed pass", st.Corrections)
	}
}
