package reclaim

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/ccvmm/internal/hv"
)

func TestMadviseAdvisorZeroesPrivateMemory(t *testing.T) {
	page := unix.Getpagesize()
	data, err := unix.Mmap(-1, 0, 4*page, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	defer unix.Munmap(data)
	for i := range data {
		data[i] = 0x5a
	}

	mem := &hv.GuestMemory{Base: 0x8000_0000, Data: data}
	s2 := newFakeStage2(mem.Base, mem.Size())
	r, err := New(mem, s2, Options{PageSize: uint64(page), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if err := r.Reclaim(mem.Base+uint64(page), uint64(2*page)); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	for i := page; i < 3*page; i++ {
		if data[i] != 0 {
			t.Fatalf("byte %#x = %#x after discard, want 0", i, data[i])
		}
	}
	if data[0] != 0x5a || data[3*page] != 0x5a {
		t.Fatal("pages outside the range were discarded")
	}
}
