package blockdev

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newImage(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func TestFileReadWrite(t *testing.T) {
	path := newImage(t, make([]byte, 4096))
	f, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if f.Size() != 4096 {
		t.Fatalf("Size = %d, want 4096", f.Size())
	}
	if _, err := f.WriteAt([]byte("hello"), 512); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := make([]byte, 5)
	if _, err := f.ReadAt(got, 512); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("ReadAt = %q, want hello", got)
	}

	if _, err := f.WriteAt([]byte("x"), 4096); err == nil {
		t.Fatal("WriteAt past end succeeded")
	}
}

func TestFileReadOnly(t *testing.T) {
	path := newImage(t, make([]byte, 1024))
	f, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteAt([]byte("x"), 0); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("WriteAt error = %v, want ErrReadOnly", err)
	}
	if err := f.PunchHole(0, 512); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("PunchHole error = %v, want ErrReadOnly", err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestFilePunchHole(t *testing.T) {
	path := newImage(t, bytes.Repeat([]byte{0xaa}, 8192))
	f, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	err = f.PunchHole(4096, 4096)
	if errors.Is(err, ErrPunchHoleUnsupported) {
		t.Skip("host filesystem cannot punch holes")
	}
	if err != nil {
		t.Fatalf("PunchHole: %v", err)
	}
	got := make([]byte, 8192)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got[:4096], bytes.Repeat([]byte{0xaa}, 4096)) {
		t.Fatal("data before the hole changed")
	}
	if !bytes.Equal(got[4096:], make([]byte, 4096)) {
		t.Fatal("hole does not read back as zeros")
	}
	if f.Size() != 8192 {
		t.Fatalf("Size = %d after punch, want 8192", f.Size())
	}
}

func TestOpenRejectsDirectory(t *testing.T) {
	if _, err := Open(t.TempDir(), true); err == nil {
		t.Fatal("Open on a directory succeeded")
	}
}
